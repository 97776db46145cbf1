// Package coord owns the work ledger and every scheduling decision.
//
// All mutations flow through one mutex and are persisted atomically before
// the operation returns, so a crash at any point leaves a consistent
// snapshot. Admission, retry bookkeeping, stall detection, and WIP adaptation
// are policy applied under that same lock; external callers (the CLI surface,
// the overnight runner) never touch items directly.
package coord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"nightshift/internal/classify"
	"nightshift/internal/eventbus"
	"nightshift/internal/quota"
	"nightshift/internal/state"
	"nightshift/internal/work"
	logx "nightshift/pkg/logx"
)

// Options wires the coordinator's collaborators.
type Options struct {
	Policy Policy
	Store  state.Store
	Ledger *quota.Ledger
	Bus    eventbus.Bus
	Logger logx.Logger

	// Classifier fills the timing class for items submitted without one.
	// Nil means classify.New() defaults.
	Classifier *classify.Classifier

	// Now overrides the clock (tests). Nil means time.Now.
	Now func() time.Time
}

// Coordinator is the single owner of the work queue.
type Coordinator struct {
	mu sync.Mutex

	pol    Policy
	q      *work.Queue
	ledger *quota.Ledger
	store  state.Store
	bus    eventbus.Bus
	log    logx.Logger
	cls    *classify.Classifier

	wipLimit int

	// failClosed is set when Load finds corrupt state; every scheduling
	// operation refuses until the process is restarted with repaired state.
	failClosed error

	// outcomes is the trailing record feeding WIP adaptation.
	outcomes []outcome

	// stallNotified de-duplicates stall events per active episode.
	stallNotified map[string]bool

	now func() time.Time
}

type outcome struct {
	at        time.Time
	completed bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("coord: store is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("coord: quota ledger is required")
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	cls := opts.Classifier
	if cls == nil {
		cls = classify.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}

	c := &Coordinator{
		pol:           opts.Policy,
		q:             work.NewQueue(),
		ledger:        opts.Ledger,
		store:         opts.Store,
		bus:           bus,
		log:           log.With(logx.String("component", "coord")),
		cls:           cls,
		wipLimit:      opts.Policy.Clamp(opts.Policy.DefaultWIP),
		stallNotified: map[string]bool{},
		now:           now,
	}
	return c, nil
}

// Load restores the last snapshot. A missing snapshot is a clean first run;
// a corrupt one puts the coordinator into fail-closed mode and is returned.
func (c *Coordinator) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.store.Load(ctx)
	if err != nil {
		if errors.Is(err, state.ErrCorrupt) {
			c.failClosed = err
			c.log.Error("persisted state corrupt; refusing to schedule", logx.Err(err))
		}
		return err
	}
	if snap == nil {
		c.log.Info("no snapshot found, starting fresh")
		return nil
	}

	q, err := work.Restore(snap.Items)
	if err != nil {
		c.failClosed = fmt.Errorf("%w: %v", state.ErrCorrupt, err)
		c.log.Error("snapshot failed integrity checks; refusing to schedule", logx.Err(err))
		return c.failClosed
	}

	// Items that were active when the previous process died go back to the
	// queue; their work may or may not have happened, so they simply rerun.
	requeued := 0
	for _, it := range q.ByStatus(work.StatusActive) {
		it.Status = work.StatusQueued
		it.StartedAt = nil
		requeued++
	}
	// Failed is a transient status inside fail handling; a snapshot taken
	// mid-crash may still carry it.
	for _, it := range q.ByStatus(work.StatusFailed) {
		it.Status = work.StatusQueued
		requeued++
	}

	c.q = q
	if snap.WIPLimit > 0 {
		c.wipLimit = c.pol.Clamp(snap.WIPLimit)
	}
	if snap.Quota != nil {
		c.ledger.Restore(snap.Quota)
	}

	c.log.Info("snapshot restored",
		logx.Int("items", q.Len()),
		logx.Int("requeued", requeued),
		logx.Int("wip_limit", c.wipLimit),
		logx.Time("saved_at", snap.SavedAt),
	)
	if requeued > 0 {
		return c.persistLocked(ctx, "restore", "", fmt.Sprintf("requeued %d interrupted items", requeued))
	}
	return nil
}

// Apply swaps the scheduling policy at runtime (hot reload). The current WIP
// limit is re-clamped to the new bounds; active items are never preempted.
func (c *Coordinator) Apply(p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pol = p
	old := c.wipLimit
	c.wipLimit = p.Clamp(c.wipLimit)
	if c.wipLimit != old {
		c.log.Info("wip limit re-clamped by policy reload",
			logx.Int("old", old), logx.Int("new", c.wipLimit))
		c.publish(eventbus.TypeWIPChanged, map[string]int{"old": old, "new": c.wipLimit})
	}
}

// WIPLimit returns the current admission limit.
func (c *Coordinator) WIPLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wipLimit
}

// Bus exposes the event stream for observers (notify worker, tests).
func (c *Coordinator) Bus() eventbus.Bus { return c.bus }

func (c *Coordinator) checkFailClosedLocked() error {
	if c.failClosed != nil {
		return fmt.Errorf("%w: %v", ErrFailClosed, c.failClosed)
	}
	return nil
}

// persistLocked writes the snapshot and one audit line. Caller holds c.mu.
// A failed save is returned to the caller: the in-memory mutation stands, but
// the operation reports the durability failure instead of hiding it.
func (c *Coordinator) persistLocked(ctx context.Context, op, itemID, detail string) error {
	snap := &state.Snapshot{
		SavedAt:  c.now(),
		WIPLimit: c.wipLimit,
		Items:    c.q.Items(),
		Quota:    c.ledger.Snapshot(),
	}
	if err := c.store.Save(ctx, snap); err != nil {
		c.log.Error("snapshot save failed", logx.Err(err), logx.String("op", op))
		return fmt.Errorf("persisting after %s: %w", op, err)
	}
	entry := state.AuditEntry{At: snap.SavedAt, Op: op, ItemID: itemID, Detail: detail}
	if err := c.store.AppendAudit(ctx, entry); err != nil {
		// The snapshot is durable; a lost audit line is logged, not fatal.
		c.log.Warn("audit append failed", logx.Err(err), logx.String("op", op))
	}
	return nil
}

func (c *Coordinator) publish(typ string, data any) {
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: data})
}

// score is the admission priority: static priority plus a bonus per queued
// item this one would unblock. Ties fall back to insertion (FIFO) order.
func (c *Coordinator) score(it *work.Item) int {
	return it.Priority + c.pol.UnblockWeight*c.q.UnblockCount(it.ID)
}

// rankedEligible returns dependency-eligible queued items ordered by
// descending score, FIFO within equal scores.
func (c *Coordinator) rankedEligible() []*work.Item {
	items := c.q.Eligible()
	sort.SliceStable(items, func(i, j int) bool {
		return c.score(items[i]) > c.score(items[j])
	})
	return items
}
