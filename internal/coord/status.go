package coord

import (
	"time"

	"nightshift/internal/quota"
	"nightshift/internal/work"
)

// TierStatus is one tier's budget position.
type TierStatus struct {
	Used   int `json:"used"`
	Usable int `json:"usable"` // -1 means unlimited
}

// ActiveItem is one running item in a status report.
type ActiveItem struct {
	ID      string        `json:"id"`
	Agent   string        `json:"agent,omitempty"`
	Age     time.Duration `json:"age"`
	Stalled bool          `json:"stalled"`
}

// Summary is a point-in-time operator view of the coordinator.
type Summary struct {
	At       time.Time `json:"at"`
	WIPLimit int       `json:"wip_limit"`

	Queued            int `json:"queued"`
	Active            int `json:"active"`
	Completed         int `json:"completed"`
	PermanentlyFailed int `json:"permanently_failed"`

	// Eligible counts queued items whose dependencies are satisfied.
	Eligible int `json:"eligible"`

	ActiveItems []ActiveItem          `json:"active_items,omitempty"`
	Tiers       map[string]TierStatus `json:"tiers,omitempty"`

	Metrics Metrics `json:"metrics"`
}

// StatusSummary builds the operator report.
func (c *Coordinator) StatusSummary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s := Summary{
		At:       now,
		WIPLimit: c.wipLimit,
		Tiers:    map[string]TierStatus{},
	}

	for _, it := range c.q.Items() {
		switch it.Status {
		case work.StatusQueued:
			s.Queued++
		case work.StatusActive:
			s.Active++
			ai := ActiveItem{ID: it.ID, Agent: it.Agent}
			if it.StartedAt != nil {
				ai.Age = now.Sub(*it.StartedAt)
				ai.Stalled = ai.Age > c.pol.StallThreshold
			}
			s.ActiveItems = append(s.ActiveItems, ai)
		case work.StatusCompleted:
			s.Completed++
		case work.StatusPermanentlyFailed:
			s.PermanentlyFailed++
		}
	}
	s.Eligible = len(c.q.Eligible())

	for _, tier := range c.ledger.Tiers() {
		used, err := c.ledger.Used(tier)
		if err != nil {
			continue
		}
		usable, err := c.ledger.Usable(tier)
		if err != nil {
			continue
		}
		s.Tiers[tier] = TierStatus{Used: used, Usable: usable}
	}

	s.Metrics = c.metricsLocked()
	return s
}

// Forecast dry-runs the deferred backlog against the remaining budgets:
// which items would the overnight window admit tonight, and which must wait
// for the next cycle. No usage is recorded and no state changes.
func (c *Coordinator) Forecast() quota.Forecast {
	c.mu.Lock()
	defer c.mu.Unlock()

	var batch []quota.ForecastItem
	now := c.now()
	for _, it := range c.rankedEligible() {
		if it.ScheduledFor != nil && it.ScheduledFor.After(now) {
			continue
		}
		switch it.Timing {
		case work.TimingAsync, work.TimingFlexible:
		default:
			continue
		}
		if it.Tier == "" {
			continue
		}
		batch = append(batch, quota.ForecastItem{ID: it.ID, Tier: it.Tier, Amount: it.EstimatedQuota})
	}
	return c.ledger.Plan(batch)
}

// Get returns a copy-safe view of one item.
func (c *Coordinator) Get(id string) (*work.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.Get(id)
}
