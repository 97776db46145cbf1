package coord

import (
	"context"
	"fmt"
	"time"

	"nightshift/internal/eventbus"
	"nightshift/internal/work"
	logx "nightshift/pkg/logx"
)

// AddRequest describes one unit of work to track. Zero fields are filled by
// the classifier: an empty ID gets a fresh uuid, an empty Timing is inferred
// from the description, zero Priority/Complexity get signal-based estimates.
type AddRequest struct {
	ID           string
	Description  string
	Priority     int
	Complexity   int
	Dependencies []string
	Timing       work.Timing
	Tier         string

	EstimatedQuota    int
	EstimatedDuration time.Duration
	ScheduledFor      *time.Time
	Agent             string
}

// AddWork validates and records a new item as Queued, then immediately tries
// to admit work (the new item may itself be admissible).
func (c *Coordinator) AddWork(ctx context.Context, req AddRequest) (*work.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFailClosedLocked(); err != nil {
		return nil, err
	}

	timing := req.Timing
	ruleName := "caller"
	if timing == "" {
		timing, ruleName = c.cls.Classify(req.Description)
		if ruleName == "" {
			ruleName = "default"
		}
	}
	estPrio, estCx := c.cls.Estimate(req.Description)
	prio := req.Priority
	if prio == 0 {
		prio = estPrio
	}
	cx := req.Complexity
	if cx == 0 {
		cx = estCx
	}

	// An Async not-before time outside the window band would sit in the
	// queue forever without the runner ever seeing it eligible; reject it
	// at insertion so the caller can fix the timestamp.
	if timing == work.TimingAsync && req.ScheduledFor != nil && c.pol.WindowEnabled {
		if !c.pol.WithinWindow(*req.ScheduledFor) {
			return nil, &work.ValidationError{
				Field:  "scheduled_for",
				Reason: fmt.Sprintf("%s is outside the overnight window", req.ScheduledFor.Format("15:04")),
			}
		}
	}

	id := req.ID
	if id == "" {
		id = work.NewID()
	}

	it := &work.Item{
		ID:                id,
		Description:       req.Description,
		Priority:          prio,
		Complexity:        cx,
		Dependencies:      append([]string(nil), req.Dependencies...),
		Timing:            timing,
		Tier:              req.Tier,
		EstimatedQuota:    req.EstimatedQuota,
		EstimatedDuration: req.EstimatedDuration,
		ScheduledFor:      req.ScheduledFor,
		Agent:             req.Agent,
		CreatedAt:         c.now(),
	}
	if err := c.q.Add(it); err != nil {
		return nil, err
	}

	c.log.Info("work added",
		logx.String("id", it.ID),
		logx.String("timing", string(it.Timing)),
		logx.String("rule", ruleName),
		logx.Int("priority", it.Priority),
		logx.Int("deps", len(it.Dependencies)),
	)
	c.publish(eventbus.TypeWorkAdded, it.ID)

	if err := c.persistLocked(ctx, "add_work", it.ID, string(it.Timing)); err != nil {
		return it, err
	}
	if _, err := c.scheduleLocked(ctx); err != nil {
		return it, err
	}
	return it, nil
}

// ScheduleNext fills free WIP slots with the highest-scoring eligible items
// and returns the ids admitted in this pass.
func (c *Coordinator) ScheduleNext(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFailClosedLocked(); err != nil {
		return nil, err
	}
	return c.scheduleLocked(ctx)
}

// scheduleLocked is the admission loop. Caller holds c.mu.
func (c *Coordinator) scheduleLocked(ctx context.Context) ([]string, error) {
	active := c.q.ActiveCount()
	if active > c.wipLimit {
		// Policy reloads may shrink the limit below the current active count;
		// that is drained, not preempted. Anything else is a bug.
		c.log.Warn("active count above wip limit, draining",
			logx.Int("active", active), logx.Int("wip_limit", c.wipLimit))
		return nil, nil
	}

	var admitted []string
	for c.q.ActiveCount() < c.wipLimit {
		it := c.pickLocked()
		if it == nil {
			break
		}
		if err := c.admitLocked(it); err != nil {
			return admitted, err
		}
		admitted = append(admitted, it.ID)
	}
	if len(admitted) == 0 {
		return nil, nil
	}
	err := c.persistLocked(ctx, "schedule", "", fmt.Sprintf("admitted %d", len(admitted)))
	return admitted, err
}

// pickLocked returns the best admissible candidate for immediate execution,
// or nil when nothing can start right now.
func (c *Coordinator) pickLocked() *work.Item {
	for _, it := range c.rankedEligible() {
		if !c.admissibleNowLocked(it) {
			continue
		}
		if ok := c.quotaAllowsLocked(it); !ok {
			continue
		}
		return it
	}
	return nil
}

// admissibleNowLocked resolves the timing class against the clock:
// Sync runs now; Async waits for the overnight window (unless the window is
// disabled); Flexible defaults to now during active hours, otherwise defers.
func (c *Coordinator) admissibleNowLocked(it *work.Item) bool {
	now := c.now()
	if it.ScheduledFor != nil && it.ScheduledFor.After(now) {
		return false
	}
	switch it.Timing {
	case work.TimingSync:
		return true
	case work.TimingAsync:
		return !c.pol.WindowEnabled
	case work.TimingFlexible:
		if !c.pol.WindowEnabled {
			return true
		}
		return c.pol.WithinActiveHours(now)
	default:
		// Unknown class: treat as Sync so nothing is silently deferred.
		return true
	}
}

// quotaAllowsLocked checks the item's estimate against its tier budget.
// Items with no tier or no estimate are not quota-gated.
func (c *Coordinator) quotaAllowsLocked(it *work.Item) bool {
	if it.Tier == "" || it.EstimatedQuota <= 0 {
		return true
	}
	exceed, err := c.ledger.WouldExceed(it.Tier, it.EstimatedQuota)
	if err != nil {
		c.log.Warn("quota check failed, deferring item",
			logx.String("id", it.ID), logx.String("tier", it.Tier), logx.Err(err))
		return false
	}
	if exceed {
		c.log.Debug("item deferred for budget",
			logx.String("id", it.ID), logx.String("tier", it.Tier),
			logx.Int("estimate", it.EstimatedQuota))
	}
	return !exceed
}

func (c *Coordinator) admitLocked(it *work.Item) error {
	if err := c.q.Transition(it.ID, work.StatusActive); err != nil {
		return err
	}
	t := c.now()
	it.StartedAt = &t
	it.FailReason = ""
	it.Overnight = false
	delete(c.stallNotified, it.ID)

	if c.q.ActiveCount() > c.wipLimit {
		return fmt.Errorf("%w: %d > %d", ErrCapacity, c.q.ActiveCount(), c.wipLimit)
	}

	c.log.Info("work admitted",
		logx.String("id", it.ID),
		logx.Int("score", c.score(it)),
		logx.Int("active", c.q.ActiveCount()),
		logx.Int("wip_limit", c.wipLimit),
	)
	c.publish(eventbus.TypeWorkAdmitted, it.ID)
	return nil
}

// CompleteWork records a successful outcome. Completing an already-Completed
// item is a no-op, so agents may retry delivery safely. Freed dependents are
// admitted in the same call.
func (c *Coordinator) CompleteWork(ctx context.Context, id string, result []byte, quotaUsed int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFailClosedLocked(); err != nil {
		return err
	}

	it, ok := c.q.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", work.ErrUnknownID, id)
	}
	if it.Status == work.StatusCompleted {
		return nil
	}
	if err := c.q.Transition(id, work.StatusCompleted); err != nil {
		return err
	}

	t := c.now()
	it.CompletedAt = &t
	it.FailReason = ""
	delete(c.stallNotified, id)

	if len(result) > 0 {
		loc, err := c.store.PutResult(ctx, id, result)
		if err != nil {
			c.log.Error("storing result failed", logx.String("id", id), logx.Err(err))
		} else {
			it.ResultLocation = loc
		}
	}
	if quotaUsed > 0 && it.Tier != "" {
		if err := c.ledger.RecordUsage(it.Tier, quotaUsed); err != nil {
			c.log.Warn("recording quota usage failed",
				logx.String("id", id), logx.String("tier", it.Tier), logx.Err(err))
		}
	}

	c.recordOutcomeLocked(true)
	c.log.Info("work completed",
		logx.String("id", id),
		logx.Int("quota_used", quotaUsed),
		logx.Bool("overnight", it.Overnight),
	)
	c.publish(eventbus.TypeWorkCompleted, id)

	if err := c.persistLocked(ctx, "complete_work", id, ""); err != nil {
		return err
	}
	// Completion may have unblocked dependents.
	_, err := c.scheduleLocked(ctx)
	return err
}

// FailWork records a failed attempt. The item is requeued for retry until it
// exhausts MaxRetries, then parked as PermanentlyFailed with the last reason.
func (c *Coordinator) FailWork(ctx context.Context, id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFailClosedLocked(); err != nil {
		return err
	}
	if err := c.failLocked(id, reason, true); err != nil {
		return err
	}
	if err := c.persistLocked(ctx, "fail_work", id, reason); err != nil {
		return err
	}
	_, err := c.scheduleLocked(ctx)
	return err
}

// failLocked moves an Active item through Failed to either Queued (retry) or
// PermanentlyFailed. countRetry is false for interruptions (window close,
// shutdown), which requeue without burning a retry.
func (c *Coordinator) failLocked(id, reason string, countRetry bool) error {
	it, ok := c.q.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", work.ErrUnknownID, id)
	}
	if it.Status != work.StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, id, it.Status)
	}
	if err := c.q.Transition(id, work.StatusFailed); err != nil {
		return err
	}
	it.FailReason = reason
	it.StartedAt = nil
	it.Overnight = false
	delete(c.stallNotified, id)

	if countRetry {
		it.RetryCount++
		c.recordOutcomeLocked(false)
	}

	if countRetry && it.RetryCount >= c.pol.MaxRetries {
		if err := c.q.Transition(id, work.StatusPermanentlyFailed); err != nil {
			return err
		}
		c.log.Error("work permanently failed",
			logx.String("id", id),
			logx.Int("retries", it.RetryCount),
			logx.String("reason", reason),
		)
		c.publish(eventbus.TypeWorkPermanent, id)
		return nil
	}

	if err := c.q.Transition(id, work.StatusQueued); err != nil {
		return err
	}
	c.log.Warn("work failed, requeued",
		logx.String("id", id),
		logx.Int("retry_count", it.RetryCount),
		logx.Bool("counted", countRetry),
		logx.String("reason", reason),
	)
	c.publish(eventbus.TypeWorkFailed, id)
	return nil
}

// Interrupt requeues an Active item without consuming a retry. Used when the
// overnight window closes on in-flight work and at graceful shutdown.
func (c *Coordinator) Interrupt(ctx context.Context, id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFailClosedLocked(); err != nil {
		return err
	}
	if err := c.failLocked(id, reason, false); err != nil {
		return err
	}
	return c.persistLocked(ctx, "interrupt", id, reason)
}
