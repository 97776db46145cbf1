// Package nightrun executes the deferred backlog inside the overnight window.
//
// The runner wakes at the window open time (cron-triggered), drains quota-
// admissible deferred items one at a time, and stops at whichever comes
// first: the configured close time or the hard max-run deadline. Items still
// in flight at close are interrupted and requeued; nothing is ever dropped.
package nightrun

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"nightshift/internal/config"
	"nightshift/internal/coord"
	"nightshift/internal/eventbus"
	"nightshift/internal/quota"
	"nightshift/internal/work"
	logx "nightshift/pkg/logx"
)

// Executor runs one work item to completion. Implementations must honor ctx
// cancellation; the runner enforces the per-item timeout through it.
type Executor interface {
	Execute(ctx context.Context, it *work.Item) (result []byte, quotaUsed int, err error)
}

// Config is the resolved window policy.
type Config struct {
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int

	// MaxRun caps the window's wall-clock span regardless of the close time.
	MaxRun time.Duration

	ItemTimeout   time.Duration
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	// PollInterval is how long to idle when the backlog is empty or fully
	// budget-blocked before rescanning.
	PollInterval time.Duration

	Loc   *time.Location
	Agent string
}

// FromConfig resolves the raw window section.
func FromConfig(wc config.WindowConfig) (Config, error) {
	open := wc.Open
	if open == "" {
		open = "22:00"
	}
	closeAt := wc.Close
	if closeAt == "" {
		closeAt = "01:00"
	}

	c := Config{Agent: "nightrun"}
	var err error
	if c.OpenHour, c.OpenMinute, err = config.ParseHHMM("window.open", open); err != nil {
		return Config{}, err
	}
	if c.CloseHour, c.CloseMinute, err = config.ParseHHMM("window.close", closeAt); err != nil {
		return Config{}, err
	}
	if c.MaxRun, err = config.ParseDurationOrDefault("window.max_run", wc.MaxRun, 3*time.Hour); err != nil {
		return Config{}, err
	}
	if c.ItemTimeout, err = config.ParseDurationOrDefault("window.item_timeout", wc.ItemTimeout, 30*time.Minute); err != nil {
		return Config{}, err
	}
	if c.RetryBase, err = config.ParseDurationOrDefault("window.retry_base", wc.RetryBase, 15*time.Second); err != nil {
		return Config{}, err
	}
	if c.RetryMaxDelay, err = config.ParseDurationOrDefault("window.retry_max_delay", wc.RetryMaxDelay, 5*time.Minute); err != nil {
		return Config{}, err
	}
	c.RetryJitter = wc.RetryJitter
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	c.PollInterval = time.Minute

	loc := time.Local
	if wc.Timezone != "" {
		loc, err = time.LoadLocation(wc.Timezone)
		if err != nil {
			return Config{}, fmt.Errorf("window.timezone: %w", err)
		}
	}
	c.Loc = loc
	return c, nil
}

// CronSpec returns the standard 5-field cron expression for the window open.
func (c Config) CronSpec() string {
	return fmt.Sprintf("%d %d * * *", c.OpenMinute, c.OpenHour)
}

// closeAfter returns the first close-time occurrence strictly after open.
// A close time earlier in the day than open lands on the next calendar day.
func (c Config) closeAfter(open time.Time) time.Time {
	open = open.In(c.Loc)
	closeAt := time.Date(open.Year(), open.Month(), open.Day(), c.CloseHour, c.CloseMinute, 0, 0, c.Loc)
	if !closeAt.After(open) {
		closeAt = closeAt.AddDate(0, 0, 1)
	}
	return closeAt
}

// Runner drives one window pass at a time.
type Runner struct {
	cfg   Config
	coord *coord.Coordinator
	exec  Executor
	bus   eventbus.Bus
	log   logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
	last    *Report
}

func New(cfg Config, co *coord.Coordinator, exec Executor, bus eventbus.Bus, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		cfg:   cfg,
		coord: co,
		exec:  exec,
		bus:   bus,
		log:   log.With(logx.String("component", "nightrun")),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// SetClock overrides the time source and sleeper (tests).
func (r *Runner) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	if now != nil {
		r.now = now
	}
	if sleep != nil {
		r.sleep = sleep
	}
}

// LastReport returns the report of the most recent completed window, or nil.
func (r *Runner) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes one full window pass and returns its report. Overlapping runs
// are refused (a long MaxRun crossing the next cron fire would otherwise
// double-drain the backlog).
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, errors.New("nightrun: window already running")
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	opened := r.now().In(r.cfg.Loc)
	closeAt := r.cfg.closeAfter(opened)
	deadline := opened.Add(r.cfg.MaxRun)
	if closeAt.Before(deadline) {
		deadline = closeAt
	}

	rep := &Report{OpenedAt: opened, Deadline: deadline}
	r.log.Info("window opened",
		logx.Time("close_at", closeAt),
		logx.Time("deadline", deadline),
	)
	r.publish(eventbus.TypeWindowOpened, opened)

	wctx, cancel := context.WithDeadline(ctx, deadline)
	r.drain(wctx, rep)
	cancel()

	// Interrupt leftovers with a context detached from the expired window.
	r.closeWindow(context.WithoutCancel(ctx), rep)

	rep.ClosedAt = r.now().In(r.cfg.Loc)
	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()

	r.log.Info("window closed",
		logx.Int("completed", len(rep.Completed)),
		logx.Int("failed", len(rep.Failed)),
		logx.Int("skipped", len(rep.Skipped)),
		logx.Int("interrupted", len(rep.Interrupted)),
	)
	r.publish(eventbus.TypeWindowClosed, rep)
	return rep, nil
}

// drain works the backlog until the window context expires.
func (r *Runner) drain(ctx context.Context, rep *Report) {
	consecutiveFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		id, ok := r.pickNext(ctx, rep)
		if !ok {
			// Backlog empty or fully budget-blocked. New work may arrive
			// overnight, so idle and rescan.
			if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
				return
			}
			continue
		}

		if r.runOne(ctx, id, rep) {
			consecutiveFailures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		consecutiveFailures++
		d := backoffDelay(r.cfg.RetryBase, r.cfg.RetryMaxDelay, r.cfg.RetryJitter, consecutiveFailures)
		if err := r.sleep(ctx, d); err != nil {
			return
		}
	}
}

// pickNext admits the best candidate, skipping quota-blocked items. Each
// skipped item is recorded once per window.
func (r *Runner) pickNext(ctx context.Context, rep *Report) (string, bool) {
	for _, it := range r.coord.OvernightCandidates() {
		err := r.coord.BeginOvernight(ctx, it.ID, r.cfg.Agent)
		if err == nil {
			return it.ID, true
		}
		if errors.Is(err, coord.ErrNoSlot) {
			// Daytime work still holds every wip slot. No candidate can be
			// admitted until one drains, so idle instead of scanning on.
			return "", false
		}
		if errors.Is(err, quota.ErrExceeded) {
			rep.recordSkip(it.ID, it.Tier, "insufficient budget")
			continue
		}
		r.log.Warn("admission failed", logx.String("id", it.ID), logx.Err(err))
	}
	return "", false
}

// runOne executes a single admitted item and reports the outcome to the
// coordinator. Returns true on success.
func (r *Runner) runOne(ctx context.Context, id string, rep *Report) bool {
	it, ok := r.coord.Get(id)
	if !ok {
		return false
	}

	ictx, cancel := context.WithTimeout(ctx, r.cfg.ItemTimeout)
	started := r.now()
	result, used, err := r.exec.Execute(ictx, it)
	cancel()
	elapsed := r.now().Sub(started)

	// The window closing mid-item is an interruption, handled by closeWindow,
	// not a failure charged against the item.
	if err != nil && ctx.Err() != nil {
		return false
	}

	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s", r.cfg.ItemTimeout)
		}
		r.log.Warn("overnight item failed",
			logx.String("id", id),
			logx.Duration("elapsed", elapsed),
			logx.String("reason", reason),
		)
		if ferr := r.coord.FailWork(context.WithoutCancel(ctx), id, reason); ferr != nil {
			r.log.Error("reporting failure failed", logx.String("id", id), logx.Err(ferr))
		}
		rep.Failed = append(rep.Failed, ItemOutcome{ID: id, Elapsed: elapsed, Reason: reason})
		return false
	}

	if cerr := r.coord.CompleteWork(context.WithoutCancel(ctx), id, result, used); cerr != nil {
		r.log.Error("reporting completion failed", logx.String("id", id), logx.Err(cerr))
		rep.Failed = append(rep.Failed, ItemOutcome{ID: id, Elapsed: elapsed, Reason: cerr.Error()})
		return false
	}
	r.log.Info("overnight item completed",
		logx.String("id", id),
		logx.Duration("elapsed", elapsed),
		logx.Int("quota_used", used),
	)
	rep.Completed = append(rep.Completed, ItemOutcome{ID: id, Elapsed: elapsed, QuotaUsed: used})
	return true
}

// closeWindow requeues anything still active from this window without
// consuming a retry.
func (r *Runner) closeWindow(ctx context.Context, rep *Report) {
	for _, id := range r.coord.ActiveOvernight() {
		if err := r.coord.Interrupt(ctx, id, "window closed"); err != nil {
			r.log.Error("interrupting leftover item failed", logx.String("id", id), logx.Err(err))
			continue
		}
		rep.Interrupted = append(rep.Interrupted, id)
	}
}

func (r *Runner) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: data})
}

// backoffDelay is exponential with a full-range jitter fraction, capped.
func backoffDelay(base, max time.Duration, jitter float64, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	if jitter > 0 {
		f := 1 + jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	return d
}
