package nightrun

import "time"

// ItemOutcome is one item's result within a window.
type ItemOutcome struct {
	ID        string        `json:"id"`
	Elapsed   time.Duration `json:"elapsed"`
	QuotaUsed int           `json:"quota_used,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// SkippedItem was budget-blocked this window and stays queued for the next
// cycle.
type SkippedItem struct {
	ID     string `json:"id"`
	Tier   string `json:"tier,omitempty"`
	Reason string `json:"reason"`
}

// Report summarizes one window pass; it feeds the morning operator summary.
type Report struct {
	OpenedAt time.Time `json:"opened_at"`
	Deadline time.Time `json:"deadline"`
	ClosedAt time.Time `json:"closed_at"`

	Completed   []ItemOutcome `json:"completed,omitempty"`
	Failed      []ItemOutcome `json:"failed,omitempty"`
	Skipped     []SkippedItem `json:"skipped,omitempty"`
	Interrupted []string      `json:"interrupted,omitempty"`

	skipped map[string]bool
}

func (r *Report) recordSkip(id, tier, reason string) {
	if r.skipped == nil {
		r.skipped = map[string]bool{}
	}
	if r.skipped[id] {
		return
	}
	r.skipped[id] = true
	r.Skipped = append(r.Skipped, SkippedItem{ID: id, Tier: tier, Reason: reason})
}
