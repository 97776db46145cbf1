// Package quota tracks consumption against renewable per-tier budgets.
//
// A tier is a budget category (a model/resource class) with a daily limit, a
// reserve fraction held back from overnight admission, and a usage counter
// that renews at a fixed wall-clock boundary. All admission-forecast questions
// ("would this batch fit?") are answered here; the coordinator serializes
// callers through its own lock before persisting.
package quota

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownTier = errors.New("unknown quota tier")
	// ErrExceeded refuses an admission for budget reasons. The item is
	// deferred, never dropped.
	ErrExceeded = errors.New("quota exceeded")
)

// TierConfig is the static budget policy for one tier.
type TierConfig struct {
	// Limit is the per-cycle budget in quota units. 0 means unlimited.
	Limit int
	// ReserveFraction is held back from admission (0.15 keeps 15% for
	// interactive work).
	ReserveFraction float64
}

// TierState is the persisted usage record for one tier.
type TierState struct {
	Used      int       `json:"used"`
	LastReset time.Time `json:"last_reset"`
}

// Ledger tracks usage for all tiers.
//
// Usage is monotonically non-decreasing within a cycle and resets to zero at
// the tier's renewal boundary. The reset is applied lazily on access so a
// sleeping process still renews correctly, and can also be forced by a cron
// trigger so the renewal is persisted promptly.
type Ledger struct {
	mu sync.Mutex

	resetHour int
	loc       *time.Location
	cfg       map[string]TierConfig
	state     map[string]*TierState

	now func() time.Time
}

func NewLedger(resetHour int, loc *time.Location, tiers map[string]TierConfig) *Ledger {
	if loc == nil {
		loc = time.Local
	}
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	l := &Ledger{
		resetHour: resetHour,
		loc:       loc,
		cfg:       map[string]TierConfig{},
		state:     map[string]*TierState{},
		now:       time.Now,
	}
	for name, tc := range tiers {
		l.cfg[name] = tc
		l.state[name] = &TierState{}
	}
	return l
}

// SetClock overrides the time source (tests).
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Apply replaces the tier policy at runtime. Usage for surviving tiers is
// kept; new tiers start empty.
func (l *Ledger) Apply(resetHour int, tiers map[string]TierConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if resetHour >= 0 && resetHour <= 23 {
		l.resetHour = resetHour
	}
	cfg := map[string]TierConfig{}
	state := map[string]*TierState{}
	for name, tc := range tiers {
		cfg[name] = tc
		if st, ok := l.state[name]; ok {
			state[name] = st
		} else {
			state[name] = &TierState{}
		}
	}
	l.cfg = cfg
	l.state = state
}

// lastBoundary returns the most recent renewal boundary at or before now.
func (l *Ledger) lastBoundary(now time.Time) time.Time {
	now = now.In(l.loc)
	b := time.Date(now.Year(), now.Month(), now.Day(), l.resetHour, 0, 0, 0, l.loc)
	if b.After(now) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

// rollLocked applies any due renewal to a tier. Caller holds l.mu.
func (l *Ledger) rollLocked(st *TierState, now time.Time) {
	b := l.lastBoundary(now)
	if st.LastReset.Before(b) {
		st.Used = 0
		st.LastReset = b
	}
}

// Usable returns the budget still admissible for the tier:
// limit*(1-reserve) - used, floored at zero. Unlimited tiers report a
// negative value meaning "no constraint".
func (l *Ledger) Usable(tier string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usableLocked(tier)
}

func (l *Ledger) usableLocked(tier string) (int, error) {
	tc, ok := l.cfg[tier]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	st := l.state[tier]
	l.rollLocked(st, l.now())
	if tc.Limit <= 0 {
		return -1, nil
	}
	usable := int(float64(tc.Limit)*(1-tc.ReserveFraction)) - st.Used
	if usable < 0 {
		usable = 0
	}
	return usable, nil
}

// WouldExceed reports whether admitting amount units on the tier would exceed
// the usable budget.
func (l *Ledger) WouldExceed(tier string, amount int) (bool, error) {
	usable, err := l.Usable(tier)
	if err != nil {
		return false, err
	}
	if usable < 0 {
		return false, nil
	}
	return amount > usable, nil
}

// RecordUsage adds consumed units to the tier. Usage never decreases within
// a cycle; negative amounts are rejected.
func (l *Ledger) RecordUsage(tier string, amount int) error {
	if amount < 0 {
		return fmt.Errorf("quota: negative usage %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.state[tier]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	l.rollLocked(st, l.now())
	st.Used += amount
	return nil
}

// Used returns the consumption recorded for the tier in the current cycle.
func (l *Ledger) Used(tier string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.state[tier]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	l.rollLocked(st, l.now())
	return st.Used, nil
}

// Reset forces a renewal on every tier, regardless of boundary. Used by the
// cron trigger so renewals are observed (and persisted) promptly.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b := l.lastBoundary(now)
	for _, st := range l.state {
		st.Used = 0
		st.LastReset = b
	}
}

// Tiers returns the configured tier names, sorted.
func (l *Ledger) Tiers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.cfg))
	for name := range l.cfg {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the persisted usage state per tier.
func (l *Ledger) Snapshot() map[string]TierState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]TierState, len(l.state))
	for name, st := range l.state {
		out[name] = *st
	}
	return out
}

// Restore loads persisted usage. Unknown tiers in the snapshot are kept so a
// later config reload can reclaim them.
func (l *Ledger) Restore(snap map[string]TierState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, st := range snap {
		cp := st
		l.state[name] = &cp
		if _, ok := l.cfg[name]; !ok {
			l.cfg[name] = TierConfig{}
		}
	}
}
