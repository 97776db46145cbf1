package quota

// ForecastItem is one proposed admission, already ordered by descending
// admission score by the caller.
type ForecastItem struct {
	ID     string
	Tier   string
	Amount int
}

// Deferred explains why an item did not fit the remaining budget.
type Deferred struct {
	ID     string
	Tier   string
	Reason string
}

// Forecast is the result of a batch admission dry-run.
type Forecast struct {
	// Admit lists item ids that fit, in the caller's order.
	Admit []string
	// Defer lists the trailing items that would need to wait for the next
	// cycle, with per-item reasons.
	Defer []Deferred
	// Need and Fit sum the estimated units of the whole batch and of the
	// admitted prefix, per tier.
	Need map[string]int
	Fit  map[string]int
}

// Plan walks the proposed batch in order and splits it into the admitted
// prefix and the deferred tail, without recording any usage.
//
// The walk is greedy per tier: once a tier's remaining headroom cannot take
// an item, that item is deferred, but later (cheaper) items on the same tier
// may still fit. Deferred items stay queued and are re-evaluated next cycle.
func (l *Ledger) Plan(items []ForecastItem) Forecast {
	f := Forecast{
		Need: map[string]int{},
		Fit:  map[string]int{},
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Remaining headroom per tier, computed once against current usage.
	remaining := map[string]int{}
	for _, it := range items {
		if _, seen := remaining[it.Tier]; seen {
			continue
		}
		usable, err := l.usableLocked(it.Tier)
		if err != nil {
			remaining[it.Tier] = 0
			continue
		}
		remaining[it.Tier] = usable
	}

	for _, it := range items {
		f.Need[it.Tier] += it.Amount

		if _, known := l.cfg[it.Tier]; !known {
			f.Defer = append(f.Defer, Deferred{ID: it.ID, Tier: it.Tier, Reason: "unknown tier"})
			continue
		}
		rem := remaining[it.Tier]
		if rem < 0 {
			// Unlimited tier.
			f.Admit = append(f.Admit, it.ID)
			f.Fit[it.Tier] += it.Amount
			continue
		}
		if it.Amount > rem {
			f.Defer = append(f.Defer, Deferred{ID: it.ID, Tier: it.Tier, Reason: "insufficient budget this cycle"})
			continue
		}
		remaining[it.Tier] = rem - it.Amount
		f.Admit = append(f.Admit, it.ID)
		f.Fit[it.Tier] += it.Amount
	}
	return f
}
