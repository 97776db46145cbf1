package config

// Config is the full daemon configuration.
//
// The file may be JSON or YAML; YAML is coerced to JSON and decoded strictly
// (unknown fields are rejected so typos are caught at reload time).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Quota     QuotaConfig     `json:"quota"`
	Window    WindowConfig    `json:"window"`
	Storage   StorageConfig   `json:"storage"`
	Worker    WorkerConfig    `json:"worker"`
	Notify    *NotifyConfig   `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Alerts  LoggingAlerts  `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig holds the admission-control policy knobs.
//
// The adaptation cutoffs and the unblock weight are tuning defaults, not
// correctness contracts; they may be changed at runtime via hot reload.
//
// Defaults (when fields are omitted/zero):
//   - min_wip: 1, max_wip: 4, default_wip: 3, focus_wip: 1, throughput_wip: 4
//   - stall_threshold: "1h"
//   - metrics_window: "2h"
//   - stall_rate_focus: 0.30, stall_rate_low: 0.10, completions_per_hour: 2.0
//   - unblock_weight: 2
//   - max_retries: 3
type SchedulerConfig struct {
	MinWIP        int `json:"min_wip,omitempty"`
	MaxWIP        int `json:"max_wip,omitempty"`
	DefaultWIP    int `json:"default_wip,omitempty"`
	FocusWIP      int `json:"focus_wip,omitempty"`
	ThroughputWIP int `json:"throughput_wip,omitempty"`

	// StallThreshold is how long an item may stay active before it is
	// reported as stalled.
	StallThreshold string `json:"stall_threshold,omitempty"`

	// MetricsWindow is the trailing window over which completion/stall rates
	// are computed for WIP adaptation.
	MetricsWindow string `json:"metrics_window,omitempty"`

	StallRateFocus     float64 `json:"stall_rate_focus,omitempty"`
	StallRateLow       float64 `json:"stall_rate_low,omitempty"`
	CompletionsPerHour float64 `json:"completions_per_hour,omitempty"`

	UnblockWeight int `json:"unblock_weight,omitempty"`
	MaxRetries    int `json:"max_retries,omitempty"`

	// ActiveHours bound the "a human is around" period used when deciding
	// whether flexible work runs now or is deferred to the window.
	ActiveHoursStart string `json:"active_hours_start,omitempty"` // HH:MM, default "08:00"
	ActiveHoursEnd   string `json:"active_hours_end,omitempty"`   // HH:MM, default "20:00"
}

// QuotaConfig defines the renewable per-tier budgets.
type QuotaConfig struct {
	// ResetHour is the local wall-clock hour [0,23] at which all tiers renew.
	ResetHour int `json:"reset_hour"`

	// Tiers maps tier name to its budget. At least one tier is required.
	Tiers map[string]TierConfig `json:"tiers"`
}

type TierConfig struct {
	// Limit is the daily budget in quota units. 0 means unlimited.
	Limit int `json:"limit"`

	// ReserveFraction is the share of the budget held back from overnight
	// admission (e.g. 0.15 keeps 15% for interactive work). Range [0,0.9].
	ReserveFraction float64 `json:"reserve_fraction,omitempty"`
}

// WindowConfig bounds the overnight execution window.
//
// Defaults: open "22:00", close "01:00", max_run "3h", item_timeout "30m".
type WindowConfig struct {
	Enabled bool   `json:"enabled"`
	Open    string `json:"open,omitempty"`  // HH:MM local
	Close   string `json:"close,omitempty"` // HH:MM local; may be past midnight
	MaxRun  string `json:"max_run,omitempty"`

	ItemTimeout   string  `json:"item_timeout,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"` // 0.2 = 20%

	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
}

// StorageConfig controls the persistence layer.
//
// Driver values:
//   - "file": JSON snapshot + audit JSONL under an advisory lock (default)
//   - "sqlite": SQLite database file (build tag "sqlite")
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	ResultsDir  string `json:"results_dir,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// WorkerConfig configures the subprocess executor used by the overnight runner.
//
// Command is an argv vector; the work item description is written to the
// worker's stdin and its stdout becomes the result artifact.
type WorkerConfig struct {
	Command []string `json:"command,omitempty"`
}

// NotifyConfig enables the optional Telegram operator channel.
// When omitted, notifications are disabled.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
