package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"nightshift/internal/quota"
	"nightshift/internal/state"
	"nightshift/internal/work"
	logx "nightshift/pkg/logx"
)

// memStore is an in-memory state.Store for tests.
type memStore struct {
	mu      sync.Mutex
	snap    *state.Snapshot
	audits  []state.AuditEntry
	results map[string][]byte
	loadErr error
	saveErr error
	saves   int
}

func (m *memStore) Load(ctx context.Context) (*state.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.snap, nil
}

func (m *memStore) Save(ctx context.Context, snap *state.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snap = snap
	m.saves++
	return nil
}

func (m *memStore) AppendAudit(ctx context.Context, e state.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	return nil
}

func (m *memStore) PutResult(ctx context.Context, id string, content []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = map[string][]byte{}
	}
	m.results[id] = content
	return "mem://" + id, nil
}

func (m *memStore) Close() error { return nil }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testPolicy() Policy {
	return Policy{
		MinWIP:             1,
		MaxWIP:             4,
		DefaultWIP:         3,
		FocusWIP:           1,
		ThroughputWIP:      4,
		StallThreshold:     time.Hour,
		MetricsWindow:      2 * time.Hour,
		StallRateFocus:     0.30,
		StallRateLow:       0.10,
		CompletionsPerHour: 2.0,
		UnblockWeight:      2,
		MaxRetries:         3,
		ActiveStart:        8 * 60,
		ActiveEnd:          20 * 60,
		WindowEnabled:      true,
		WindowOpen:         22 * 60,
		WindowClose:        1 * 60,
	}
}

// Midday, well inside active hours.
var testEpoch = time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

func newTestCoord(t *testing.T, pol Policy) (*Coordinator, *memStore, *fakeClock) {
	t.Helper()
	st := &memStore{}
	clk := &fakeClock{t: testEpoch}
	ledger := quota.NewLedger(3, time.UTC, map[string]quota.TierConfig{
		"std": {Limit: 1000},
	})
	ledger.SetClock(clk.Now)
	c, err := New(Options{
		Policy: pol,
		Store:  st,
		Ledger: ledger,
		Logger: logx.Nop(),
		Now:    clk.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return c, st, clk
}

func mustAdd(t *testing.T, c *Coordinator, req AddRequest) *work.Item {
	t.Helper()
	it, err := c.AddWork(context.Background(), req)
	if err != nil {
		t.Fatalf("AddWork(%s): %v", req.ID, err)
	}
	return it
}

func statusOf(t *testing.T, c *Coordinator, id string) work.Status {
	t.Helper()
	it, ok := c.Get(id)
	if !ok {
		t.Fatalf("item %s not found", id)
	}
	return it.Status
}

// addDeferred queues items without letting AddWork admit them, so admission
// ordering can be observed in a single ScheduleNext pass.
func addDeferred(t *testing.T, c *Coordinator, clk *fakeClock, reqs ...AddRequest) {
	t.Helper()
	later := clk.Now().Add(time.Minute)
	for i := range reqs {
		reqs[i].ScheduledFor = &later
		mustAdd(t, c, reqs[i])
	}
	clk.Advance(2 * time.Minute)
}

func TestAdmissionOrderAndDependencyGate(t *testing.T) {
	t.Parallel()
	pol := testPolicy()
	pol.DefaultWIP = 2
	c, _, clk := newTestCoord(t, pol)
	ctx := context.Background()

	addDeferred(t, c, clk,
		AddRequest{ID: "w1", Description: "first", Priority: 8, Timing: work.TimingSync},
		AddRequest{ID: "w2", Description: "second", Priority: 5, Timing: work.TimingSync},
		AddRequest{ID: "w3", Description: "third", Priority: 9, Timing: work.TimingSync, Dependencies: []string{"w1"}},
	)

	admitted, err := c.ScheduleNext(ctx)
	if err != nil {
		t.Fatalf("ScheduleNext: %v", err)
	}
	// w1 scores 8 + 2*1 (it unblocks w3) = 10, w2 scores 5, w3 is blocked.
	if len(admitted) != 2 || admitted[0] != "w1" || admitted[1] != "w2" {
		t.Fatalf("admitted = %v, want [w1 w2]", admitted)
	}
	if got := statusOf(t, c, "w3"); got != work.StatusQueued {
		t.Fatalf("w3 = %s, want queued (blocked)", got)
	}

	// Completing w1 frees a slot and unblocks w3 in the same call.
	if err := c.CompleteWork(ctx, "w1", nil, 0); err != nil {
		t.Fatalf("CompleteWork(w1): %v", err)
	}
	if got := statusOf(t, c, "w3"); got != work.StatusActive {
		t.Fatalf("w3 after w1 completed = %s, want active", got)
	}
}

func TestWIPLimitHolds(t *testing.T) {
	t.Parallel()
	pol := testPolicy()
	pol.DefaultWIP = 2
	c, _, _ := newTestCoord(t, pol)

	for i := 0; i < 5; i++ {
		mustAdd(t, c, AddRequest{ID: fmt.Sprintf("w%d", i), Description: "w", Priority: 5, Timing: work.TimingSync})
	}
	s := c.StatusSummary()
	if s.Active != 2 {
		t.Fatalf("active = %d, want 2 (wip limit)", s.Active)
	}
	if s.Queued != 3 {
		t.Fatalf("queued = %d, want 3", s.Queued)
	}
}

func TestFIFOTieBreak(t *testing.T) {
	t.Parallel()
	pol := testPolicy()
	pol.DefaultWIP = 1
	c, _, clk := newTestCoord(t, pol)

	addDeferred(t, c, clk,
		AddRequest{ID: "first", Description: "a", Priority: 5, Timing: work.TimingSync},
		AddRequest{ID: "second", Description: "b", Priority: 5, Timing: work.TimingSync},
	)
	admitted, err := c.ScheduleNext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(admitted) != 1 || admitted[0] != "first" {
		t.Fatalf("admitted = %v, want [first] (FIFO on equal scores)", admitted)
	}
}

func TestCompleteWorkIsIdempotent(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestCoord(t, testPolicy())
	ctx := context.Background()

	mustAdd(t, c, AddRequest{ID: "w1", Description: "w", Priority: 5, Timing: work.TimingSync})
	if err := c.CompleteWork(ctx, "w1", []byte("result"), 10); err != nil {
		t.Fatal(err)
	}
	before := st.saves
	if err := c.CompleteWork(ctx, "w1", []byte("other"), 10); err != nil {
		t.Fatalf("second CompleteWork = %v, want nil (idempotent)", err)
	}
	if st.saves != before {
		t.Fatal("idempotent completion persisted a new snapshot")
	}
	if string(st.results["w1"]) != "result" {
		t.Fatalf("result overwritten by duplicate completion: %s", st.results["w1"])
	}
}

func TestCompleteUnknownItem(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoord(t, testPolicy())
	if err := c.CompleteWork(context.Background(), "ghost", nil, 0); !errors.Is(err, work.ErrUnknownID) {
		t.Fatalf("CompleteWork(ghost) = %v, want ErrUnknownID", err)
	}
}

func TestRetriesThenPermanentFailure(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoord(t, testPolicy())
	ctx := context.Background()

	mustAdd(t, c, AddRequest{ID: "w1", Description: "w", Priority: 5, Timing: work.TimingSync})

	// Failures 1 and 2: requeued and immediately re-admitted.
	for attempt := 1; attempt <= 2; attempt++ {
		if err := c.FailWork(ctx, "w1", "boom"); err != nil {
			t.Fatalf("FailWork #%d: %v", attempt, err)
		}
		it, _ := c.Get("w1")
		if it.RetryCount != attempt {
			t.Fatalf("retry count after failure %d = %d", attempt, it.RetryCount)
		}
		if it.Status != work.StatusActive {
			t.Fatalf("status after failure %d = %s, want active (re-admitted)", attempt, it.Status)
		}
	}

	// Third failure exhausts the budget.
	if err := c.FailWork(ctx, "w1", "boom again"); err != nil {
		t.Fatal(err)
	}
	it, _ := c.Get("w1")
	if it.Status != work.StatusPermanentlyFailed {
		t.Fatalf("status after 3rd failure = %s, want permanently_failed", it.Status)
	}
	if it.RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3", it.RetryCount)
	}
	if it.FailReason != "boom again" {
		t.Fatalf("fail reason = %q", it.FailReason)
	}

	// Terminal: nothing moves it again.
	if err := c.FailWork(ctx, "w1", "x"); err == nil {
		t.Fatal("FailWork on terminal item succeeded")
	}
	if err := c.CompleteWork(ctx, "w1", nil, 0); err == nil {
		t.Fatal("CompleteWork on permanently failed item succeeded")
	}
}

func TestInterruptDoesNotBurnRetry(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoord(t, testPolicy())
	ctx := context.Background()

	mustAdd(t, c, AddRequest{ID: "w1", Description: "w", Priority: 5, Timing: work.TimingSync})
	if err := c.Interrupt(ctx, "w1", "window closed"); err != nil {
		t.Fatal(err)
	}
	it, _ := c.Get("w1")
	if it.Status != work.StatusQueued {
		t.Fatalf("status after interrupt = %s, want queued", it.Status)
	}
	if it.RetryCount != 0 {
		t.Fatalf("retry count after interrupt = %d, want 0", it.RetryCount)
	}
	if it.FailReason != "window closed" {
		t.Fatalf("fail reason = %q", it.FailReason)
	}
}

func TestQuotaGateDefersScheduling(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoord(t, testPolicy())
	ctx := context.Background()

	// Consume most of the 1000-unit budget.
	mustAdd(t, c, AddRequest{ID: "big", Description: "w", Priority: 5, Timing: work.TimingSync, Tier: "std", EstimatedQuota: 100})
	if err := c.CompleteWork(ctx, "big", nil, 980); err != nil {
		t.Fatal(err)
	}

	// 30 > 20 remaining: queued, not admitted, not dropped.
	mustAdd(t, c, AddRequest{ID: "blocked", Description: "w", Priority: 9, Timing: work.TimingSync, Tier: "std", EstimatedQuota: 30})
	if got := statusOf(t, c, "blocked"); got != work.StatusQueued {
		t.Fatalf("budget-blocked item = %s, want queued", got)
	}

	// A cheaper item still gets through.
	mustAdd(t, c, AddRequest{ID: "cheap", Description: "w", Priority: 1, Timing: work.TimingSync, Tier: "std", EstimatedQuota: 10})
	if got := statusOf(t, c, "cheap"); got != work.StatusActive {
		t.Fatalf("cheap item = %s, want active", got)
	}
}

func TestTimingGates(t *testing.T) {
	t.Parallel()
	c, _, clk := newTestCoord(t, testPolicy()) // clock at 12:00, active hours 08-20

	mustAdd(t, c, AddRequest{ID: "sync", Description: "w", Priority: 5, Timing: work.TimingSync})
	mustAdd(t, c, AddRequest{ID: "async", Description: "w", Priority: 5, Timing: work.TimingAsync})
	mustAdd(t, c, AddRequest{ID: "flex", Description: "w", Priority: 5, Timing: work.TimingFlexible})

	if got := statusOf(t, c, "sync"); got != work.StatusActive {
		t.Fatalf("sync = %s, want active", got)
	}
	if got := statusOf(t, c, "async"); got != work.StatusQueued {
		t.Fatalf("async = %s, want queued (waits for the window)", got)
	}
	if got := statusOf(t, c, "flex"); got != work.StatusActive {
		t.Fatalf("flex during active hours = %s, want active", got)
	}

	// 23:00: flexible work defers; sync still runs.
	clk.Advance(11 * time.Hour)
	mustAdd(t, c, AddRequest{ID: "flex-night", Description: "w", Priority: 5, Timing: work.TimingFlexible})
	if got := statusOf(t, c, "flex-night"); got != work.StatusQueued {
		t.Fatalf("flex at night = %s, want queued", got)
	}
	mustAdd(t, c, AddRequest{ID: "sync-night", Description: "w", Priority: 5, Timing: work.TimingSync})
	if got := statusOf(t, c, "sync-night"); got != work.StatusActive {
		t.Fatalf("sync at night = %s, want active", got)
	}
}

func TestWindowDisabledAdmitsAsync(t *testing.T) {
	t.Parallel()
	pol := testPolicy()
	pol.WindowEnabled = false
	c, _, _ := newTestCoord(t, pol)

	mustAdd(t, c, AddRequest{ID: "async", Description: "w", Priority: 5, Timing: work.TimingAsync})
	if got := statusOf(t, c, "async"); got != work.StatusActive {
		t.Fatalf("async with window disabled = %s, want active", got)
	}
}

func TestAddWorkClassifiesWhenTimingUnset(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoord(t, testPolicy())

	it := mustAdd(t, c, AddRequest{Description: "delete the staging cluster"})
	if it.Timing != work.TimingSync {
		t.Fatalf("timing = %s, want sync (destructive)", it.Timing)
	}
	if it.ID == "" {
		t.Fatal("id not generated")
	}
	if it.Priority == 0 || it.Complexity == 0 {
		t.Fatalf("estimates not filled: prio %d cx %d", it.Priority, it.Complexity)
	}
}

func TestFindStalled(t *testing.T) {
	t.Parallel()
	c, _, clk := newTestCoord(t, testPolicy())
	ctx := context.Background()

	mustAdd(t, c, AddRequest{ID: "fast", Description: "w", Priority: 5, Timing: work.TimingSync})
	clk.Advance(59 * time.Minute)
	if got := c.FindStalled(ctx); len(got) != 0 {
		t.Fatalf("stalled at 59m = %v, want none", got)
	}

	clk.Advance(2 * time.Minute)
	got := c.FindStalled(ctx)
	if len(got) != 1 || got[0].ID != "fast" {
		t.Fatalf("stalled at 61m = %v, want [fast]", got)
	}
	// Advisory only: the item keeps running.
	if st := statusOf(t, c, "fast"); st != work.StatusActive {
		t.Fatalf("stalled item = %s, want active", st)
	}
}

func TestRecomputeWIP(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("default", func(t *testing.T) {
		t.Parallel()
		c, _, _ := newTestCoord(t, testPolicy())
		wip, err := c.RecomputeWIP(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if wip != 3 {
			t.Fatalf("wip = %d, want 3 (default)", wip)
		}
	})

	t.Run("high stall rate focuses", func(t *testing.T) {
		t.Parallel()
		c, _, clk := newTestCoord(t, testPolicy())
		mustAdd(t, c, AddRequest{ID: "stuck", Description: "w", Priority: 5, Timing: work.TimingSync})
		clk.Advance(90 * time.Minute)
		wip, err := c.RecomputeWIP(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if wip != 1 {
			t.Fatalf("wip = %d, want 1 (focus)", wip)
		}
		// Lowering never preempts.
		if st := statusOf(t, c, "stuck"); st != work.StatusActive {
			t.Fatalf("active item preempted: %s", st)
		}
	})

	t.Run("high throughput widens", func(t *testing.T) {
		t.Parallel()
		c, _, _ := newTestCoord(t, testPolicy())
		// 5 completions in a 2h window = 2.5/hr > 2.0, zero stalls.
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("w%d", i)
			mustAdd(t, c, AddRequest{ID: id, Description: "w", Priority: 5, Timing: work.TimingSync})
			if err := c.CompleteWork(ctx, id, nil, 0); err != nil {
				t.Fatal(err)
			}
		}
		wip, err := c.RecomputeWIP(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if wip != 4 {
			t.Fatalf("wip = %d, want 4 (throughput)", wip)
		}
	})

	t.Run("old outcomes age out", func(t *testing.T) {
		t.Parallel()
		c, _, clk := newTestCoord(t, testPolicy())
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("w%d", i)
			mustAdd(t, c, AddRequest{ID: id, Description: "w", Priority: 5, Timing: work.TimingSync})
			if err := c.CompleteWork(ctx, id, nil, 0); err != nil {
				t.Fatal(err)
			}
		}
		clk.Advance(3 * time.Hour)
		wip, err := c.RecomputeWIP(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if wip != 3 {
			t.Fatalf("wip = %d, want 3 (completions aged out)", wip)
		}
	})
}

func TestFailClosedOnCorruptState(t *testing.T) {
	t.Parallel()
	st := &memStore{loadErr: fmt.Errorf("%w: bad json", state.ErrCorrupt)}
	ledger := quota.NewLedger(3, time.UTC, map[string]quota.TierConfig{"std": {Limit: 10}})
	c, err := New(Options{Policy: testPolicy(), Store: st, Ledger: ledger, Logger: logx.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Load(context.Background()); !errors.Is(err, state.ErrCorrupt) {
		t.Fatalf("Load = %v, want ErrCorrupt", err)
	}

	if _, err := c.AddWork(context.Background(), AddRequest{Description: "w", Timing: work.TimingSync}); !errors.Is(err, ErrFailClosed) {
		t.Fatalf("AddWork while fail-closed = %v, want ErrFailClosed", err)
	}
	if _, err := c.ScheduleNext(context.Background()); !errors.Is(err, ErrFailClosed) {
		t.Fatalf("ScheduleNext while fail-closed = %v, want ErrFailClosed", err)
	}
}

func TestRestartRequeuesActiveItems(t *testing.T) {
	t.Parallel()
	c, st, clk := newTestCoord(t, testPolicy())
	ctx := context.Background()

	mustAdd(t, c, AddRequest{ID: "w1", Description: "w", Priority: 5, Timing: work.TimingSync})
	if got := statusOf(t, c, "w1"); got != work.StatusActive {
		t.Fatalf("w1 = %s, want active", got)
	}

	// Simulate a restart against the same store.
	ledger := quota.NewLedger(3, time.UTC, map[string]quota.TierConfig{"std": {Limit: 1000}})
	ledger.SetClock(clk.Now)
	c2, err := New(Options{Policy: testPolicy(), Store: st, Ledger: ledger, Logger: logx.Nop(), Now: clk.Now})
	if err != nil {
		t.Fatal(err)
	}
	if err := c2.Load(ctx); err != nil {
		t.Fatalf("Load after restart: %v", err)
	}
	it, ok := c2.Get("w1")
	if !ok {
		t.Fatal("w1 lost across restart")
	}
	if it.Status != work.StatusQueued {
		t.Fatalf("w1 after restart = %s, want queued", it.Status)
	}
	if it.StartedAt != nil {
		t.Fatal("started_at not cleared on requeue")
	}
}

func TestOvernightCandidatesAndAdmission(t *testing.T) {
	t.Parallel()
	c, _, clk := newTestCoord(t, testPolicy())
	ctx := context.Background()
	clk.Advance(11 * time.Hour) // 23:00, outside active hours

	mustAdd(t, c, AddRequest{ID: "a", Description: "w", Priority: 5, Timing: work.TimingAsync, Tier: "std", EstimatedQuota: 10})
	mustAdd(t, c, AddRequest{ID: "f", Description: "w", Priority: 8, Timing: work.TimingFlexible})
	mustAdd(t, c, AddRequest{ID: "s", Description: "w", Priority: 9, Timing: work.TimingSync})
	_ = c.Interrupt(ctx, "s", "test") // put the sync item back in the queue

	cands := c.OvernightCandidates()
	if len(cands) != 2 || cands[0].ID != "f" || cands[1].ID != "a" {
		got := make([]string, len(cands))
		for i, it := range cands {
			got[i] = it.ID
		}
		t.Fatalf("candidates = %v, want [f a] (sync excluded, score order)", got)
	}

	if err := c.BeginOvernight(ctx, "a", "nightrun"); err != nil {
		t.Fatalf("BeginOvernight: %v", err)
	}
	it, _ := c.Get("a")
	if it.Status != work.StatusActive || !it.Overnight || it.Agent != "nightrun" {
		t.Fatalf("admitted overnight item = %+v", it)
	}
	if ids := c.ActiveOvernight(); len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("ActiveOvernight = %v, want [a]", ids)
	}
}

func TestBeginOvernightRespectsWIPLimit(t *testing.T) {
	t.Parallel()
	pol := testPolicy()
	pol.DefaultWIP = 1
	c, _, clk := newTestCoord(t, pol)
	ctx := context.Background()

	// Daytime work holds the only slot when the window opens.
	mustAdd(t, c, AddRequest{ID: "day", Description: "w", Priority: 5, Timing: work.TimingSync})
	if got := statusOf(t, c, "day"); got != work.StatusActive {
		t.Fatalf("day = %s, want active", got)
	}

	clk.Advance(11 * time.Hour) // 23:00
	mustAdd(t, c, AddRequest{ID: "night", Description: "w", Priority: 5, Timing: work.TimingAsync})

	err := c.BeginOvernight(ctx, "night", "nightrun")
	if !errors.Is(err, ErrNoSlot) {
		t.Fatalf("BeginOvernight with a full slot = %v, want ErrNoSlot", err)
	}
	if got := statusOf(t, c, "night"); got != work.StatusQueued {
		t.Fatalf("refused item = %s, want queued", got)
	}
	if s := c.StatusSummary(); s.Active > s.WIPLimit {
		t.Fatalf("active %d exceeds wip limit %d", s.Active, s.WIPLimit)
	}

	// The freed slot admits the overnight item.
	if err := c.CompleteWork(ctx, "day", nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginOvernight(ctx, "night", "nightrun"); err != nil {
		t.Fatalf("BeginOvernight after drain: %v", err)
	}
	if s := c.StatusSummary(); s.Active != 1 || s.Active > s.WIPLimit {
		t.Fatalf("active = %d, wip limit = %d, want exactly one slot used", s.Active, s.WIPLimit)
	}
}

func TestAddWorkValidatesAsyncSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	at := func(hour, min int) *time.Time {
		ts := time.Date(2026, 8, 23, hour, min, 0, 0, time.UTC)
		return &ts
	}

	cases := []struct {
		name    string
		timing  work.Timing
		sched   *time.Time
		enabled bool
		wantErr bool
	}{
		{"async inside window", work.TimingAsync, at(23, 30), true, false},
		{"async past midnight", work.TimingAsync, at(0, 30), true, false},
		{"async midday rejected", work.TimingAsync, at(12, 30), true, true},
		{"async at close rejected", work.TimingAsync, at(1, 0), true, true},
		{"flexible midday allowed", work.TimingFlexible, at(12, 30), true, false},
		{"async unscheduled allowed", work.TimingAsync, nil, true, false},
		{"window disabled skips the check", work.TimingAsync, at(12, 30), false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pol := testPolicy()
			pol.WindowEnabled = tc.enabled
			c, _, _ := newTestCoord(t, pol)

			_, err := c.AddWork(ctx, AddRequest{
				ID: "w1", Description: "w", Priority: 5,
				Timing: tc.timing, ScheduledFor: tc.sched,
			})
			if tc.wantErr {
				if !work.IsValidation(err) {
					t.Fatalf("AddWork = %v, want validation error", err)
				}
				var ve *work.ValidationError
				if errors.As(err, &ve) && ve.Field != "scheduled_for" {
					t.Fatalf("field = %q, want scheduled_for", ve.Field)
				}
				if _, ok := c.Get("w1"); ok {
					t.Fatal("rejected item was recorded")
				}
				return
			}
			if err != nil {
				t.Fatalf("AddWork: %v", err)
			}
		})
	}
}

func TestBeginOvernightQuotaGate(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoord(t, testPolicy())
	ctx := context.Background()

	mustAdd(t, c, AddRequest{ID: "big", Description: "w", Priority: 5, Timing: work.TimingAsync, Tier: "std", EstimatedQuota: 2000})
	err := c.BeginOvernight(ctx, "big", "nightrun")
	if !errors.Is(err, quota.ErrExceeded) {
		t.Fatalf("BeginOvernight(over budget) = %v, want ErrExceeded", err)
	}
	if got := statusOf(t, c, "big"); got != work.StatusQueued {
		t.Fatalf("skipped item = %s, want queued", got)
	}
}

func TestForecast(t *testing.T) {
	t.Parallel()
	pol := testPolicy()
	c, _, clk := newTestCoord(t, pol)
	clk.Advance(11 * time.Hour)

	// Budget 1000; spend 950, leaving 50.
	mustAdd(t, c, AddRequest{ID: "spent", Description: "w", Priority: 5, Timing: work.TimingSync, Tier: "std"})
	if err := c.CompleteWork(context.Background(), "spent", nil, 950); err != nil {
		t.Fatal(err)
	}

	mustAdd(t, c, AddRequest{ID: "w1", Description: "w", Priority: 8, Timing: work.TimingAsync, Tier: "std", EstimatedQuota: 30})
	mustAdd(t, c, AddRequest{ID: "w2", Description: "w", Priority: 5, Timing: work.TimingAsync, Tier: "std", EstimatedQuota: 30})

	f := c.Forecast()
	if len(f.Admit) != 1 || f.Admit[0] != "w1" {
		t.Fatalf("forecast admit = %v, want [w1] (higher priority first)", f.Admit)
	}
	if len(f.Defer) != 1 || f.Defer[0].ID != "w2" {
		t.Fatalf("forecast defer = %+v, want w2", f.Defer)
	}
}

func TestStatusSummary(t *testing.T) {
	t.Parallel()
	c, _, clk := newTestCoord(t, testPolicy())
	ctx := context.Background()

	mustAdd(t, c, AddRequest{ID: "a", Description: "w", Priority: 5, Timing: work.TimingSync, Tier: "std"})
	mustAdd(t, c, AddRequest{ID: "b", Description: "w", Priority: 5, Timing: work.TimingAsync})
	if err := c.CompleteWork(ctx, "a", nil, 100); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)

	s := c.StatusSummary()
	if s.Completed != 1 || s.Queued != 1 || s.Active != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if s.WIPLimit != 3 {
		t.Fatalf("wip limit = %d, want 3", s.WIPLimit)
	}
	ts, ok := s.Tiers["std"]
	if !ok || ts.Used != 100 || ts.Usable != 900 {
		t.Fatalf("tier status = %+v, want used 100 usable 900", ts)
	}
}

func TestApplyReclampsWIP(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoord(t, testPolicy())
	pol := testPolicy()
	pol.MaxWIP = 2
	c.Apply(pol)
	if got := c.WIPLimit(); got != 2 {
		t.Fatalf("wip after policy shrink = %d, want 2", got)
	}
}
