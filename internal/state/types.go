package state

import (
	"errors"
	"time"

	"nightshift/internal/quota"
	"nightshift/internal/work"
)

var (
	ErrDisabled = errors.New("state storage disabled")

	// ErrCorrupt marks a malformed persisted record. The coordinator fails
	// closed on it: no scheduling until the state is repaired or reset, and
	// never a silent auto-repair that could lose history.
	ErrCorrupt = errors.New("persisted state corrupt")
)

// Config configures the state store.
//
// Driver values:
//   - "file": JSON snapshot + audit JSONL under an advisory lock (default)
//   - "sqlite": SQLite database file (build tag "sqlite")
type Config struct {
	Driver      string
	Path        string
	ResultsDir  string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Snapshot is the single durable record owned by one coordinator instance.
type Snapshot struct {
	SavedAt  time.Time                  `json:"saved_at"`
	WIPLimit int                        `json:"wip_limit"`
	Items    []*work.Item               `json:"items"`
	Quota    map[string]quota.TierState `json:"quota,omitempty"`
}

// AuditEntry records one coordinator mutation. Keep it compact and
// schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Op     string    `json:"op"`
	ItemID string    `json:"item_id,omitempty"`
	Agent  string    `json:"agent,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Error  string    `json:"error,omitempty"`
}
