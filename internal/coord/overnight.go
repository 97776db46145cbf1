package coord

import (
	"context"
	"fmt"

	"nightshift/internal/quota"
	"nightshift/internal/work"
)

// OvernightCandidates returns the deferred backlog the window runner should
// consider, ordered by descending admission score (FIFO within ties):
// dependency-eligible Queued items whose timing is Async, plus Flexible items
// (outside active hours they resolve to deferred, and the window only runs at
// night). Sync items never appear; they need a human present.
func (c *Coordinator) OvernightCandidates() []*work.Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out []*work.Item
	for _, it := range c.rankedEligible() {
		if it.ScheduledFor != nil && it.ScheduledFor.After(now) {
			continue
		}
		switch it.Timing {
		case work.TimingAsync, work.TimingFlexible:
			out = append(out, it)
		}
	}
	return out
}

// BeginOvernight admits one deferred item into the window. Overnight
// admissions count against the same wip limit as daytime ones (the active
// set never exceeds it, no matter who admits), and never bypass the quota
// gate: an item whose estimate exceeds the tier's usable budget is skipped,
// not dropped, and ErrExceeded is returned so the runner moves on.
func (c *Coordinator) BeginOvernight(ctx context.Context, id, agent string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFailClosedLocked(); err != nil {
		return err
	}

	it, ok := c.q.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", work.ErrUnknownID, id)
	}
	if active := c.q.ActiveCount(); active >= c.wipLimit {
		return fmt.Errorf("%w: %d active of %d", ErrNoSlot, active, c.wipLimit)
	}
	if it.Tier != "" && it.EstimatedQuota > 0 {
		exceed, err := c.ledger.WouldExceed(it.Tier, it.EstimatedQuota)
		if err != nil {
			return err
		}
		if exceed {
			return fmt.Errorf("%w: %s needs %d on tier %s", quota.ErrExceeded, id, it.EstimatedQuota, it.Tier)
		}
	}
	if err := c.q.Transition(id, work.StatusActive); err != nil {
		return err
	}
	t := c.now()
	it.StartedAt = &t
	it.FailReason = ""
	it.Agent = agent
	it.Overnight = true
	return c.persistLocked(ctx, "begin_overnight", id, agent)
}

// ActiveOvernight lists the items currently running inside the window,
// so the runner can sweep leftovers at close.
func (c *Coordinator) ActiveOvernight() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, it := range c.q.ByStatus(work.StatusActive) {
		if it.Overnight {
			ids = append(ids, it.ID)
		}
	}
	return ids
}
