package work

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a work item.
//
// Items are never deleted; they only reach a terminal status (Completed or
// PermanentlyFailed), preserving the full audit history.
type Status string

const (
	StatusQueued            Status = "queued"
	StatusActive            Status = "active"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusPermanentlyFailed Status = "permanently_failed"
)

// Timing is the temporal class assigned by the classifier.
type Timing string

const (
	// TimingSync work needs a human present; it is admitted immediately.
	TimingSync Timing = "sync"
	// TimingAsync work is safe to defer into the overnight window.
	TimingAsync Timing = "async"
	// TimingFlexible work has no inherent timing requirement; admission
	// resolves it to now-or-deferred based on budget headroom and the clock.
	TimingFlexible Timing = "flexible"
)

const (
	MinPriority   = 1
	MaxPriority   = 10
	MinComplexity = 1
	MaxComplexity = 10
)

// Item is one unit of opaque work tracked by the coordinator.
//
// The coordinator owns every mutable field; external workers only observe
// items and report outcomes through the operations surface.
type Item struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Priority     int      `json:"priority"`
	Complexity   int      `json:"complexity"`
	Dependencies []string `json:"dependencies,omitempty"`

	Status Status `json:"status"`
	Timing Timing `json:"timing"`

	// Tier names the quota tier this item draws from.
	Tier           string `json:"tier,omitempty"`
	EstimatedQuota int    `json:"estimated_quota,omitempty"`

	// EstimatedDuration is informational (minutes granularity in practice).
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`

	RetryCount int    `json:"retry_count"`
	FailReason string `json:"fail_reason,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	ResultLocation string `json:"result_location,omitempty"`
	Agent          string `json:"agent,omitempty"`

	// Overnight marks items whose completion happened inside the deferred
	// window (the completed_overnight record).
	Overnight bool `json:"overnight,omitempty"`
}

// NewID returns a fresh unique item id.
func NewID() string { return uuid.NewString() }

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusPermanentlyFailed
}

// validTransitions is the item state machine. Key is the source status,
// value the set of allowed destinations.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusActive: true,
	},
	StatusActive: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusQueued:            true, // retry
		StatusPermanentlyFailed: true,
	},
	StatusCompleted:         {},
	StatusPermanentlyFailed: {},
}

// ValidTransition reports whether the state machine allows from -> to.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
