package coord

import (
	"fmt"
	"time"

	"nightshift/internal/config"
)

// Policy is the resolved scheduling policy: config values with defaults and
// durations already parsed. It is immutable; hot reload swaps the whole value.
type Policy struct {
	MinWIP        int
	MaxWIP        int
	DefaultWIP    int
	FocusWIP      int
	ThroughputWIP int

	StallThreshold time.Duration
	MetricsWindow  time.Duration

	StallRateFocus     float64
	StallRateLow       float64
	CompletionsPerHour float64

	UnblockWeight int
	MaxRetries    int

	// ActiveStart/ActiveEnd are minutes past local midnight bounding the
	// "a human is around" period.
	ActiveStart int
	ActiveEnd   int

	// WindowEnabled gates the async-vs-now decision: when the overnight
	// window is off, deferrable work is admitted directly so it never starves.
	WindowEnabled bool

	// WindowOpen/WindowClose are minutes past local midnight bounding the
	// overnight execution window. Async items with an explicit scheduled_for
	// must land inside this band; a close before open wraps past midnight.
	WindowOpen  int
	WindowClose int
}

// PolicyFromConfig resolves the scheduler and window config sections into
// a Policy.
func PolicyFromConfig(sc config.SchedulerConfig, wc config.WindowConfig) (Policy, error) {
	p := Policy{
		MinWIP:             orInt(sc.MinWIP, 1),
		MaxWIP:             orInt(sc.MaxWIP, 4),
		DefaultWIP:         orInt(sc.DefaultWIP, 3),
		FocusWIP:           orInt(sc.FocusWIP, 1),
		ThroughputWIP:      orInt(sc.ThroughputWIP, 4),
		StallRateFocus:     orFloat(sc.StallRateFocus, 0.30),
		StallRateLow:       orFloat(sc.StallRateLow, 0.10),
		CompletionsPerHour: orFloat(sc.CompletionsPerHour, 2.0),
		UnblockWeight:      orInt(sc.UnblockWeight, 2),
		MaxRetries:         orInt(sc.MaxRetries, 3),
		WindowEnabled:      wc.Enabled,
	}

	var err error
	p.StallThreshold, err = config.ParseDurationOrDefault("scheduler.stall_threshold", sc.StallThreshold, time.Hour)
	if err != nil {
		return Policy{}, err
	}
	p.MetricsWindow, err = config.ParseDurationOrDefault("scheduler.metrics_window", sc.MetricsWindow, 2*time.Hour)
	if err != nil {
		return Policy{}, err
	}

	start := sc.ActiveHoursStart
	if start == "" {
		start = "08:00"
	}
	end := sc.ActiveHoursEnd
	if end == "" {
		end = "20:00"
	}
	sh, sm, err := config.ParseHHMM("scheduler.active_hours_start", start)
	if err != nil {
		return Policy{}, err
	}
	eh, em, err := config.ParseHHMM("scheduler.active_hours_end", end)
	if err != nil {
		return Policy{}, err
	}
	p.ActiveStart = sh*60 + sm
	p.ActiveEnd = eh*60 + em

	wopen := wc.Open
	if wopen == "" {
		wopen = "22:00"
	}
	wclose := wc.Close
	if wclose == "" {
		wclose = "01:00"
	}
	oh, om, err := config.ParseHHMM("window.open", wopen)
	if err != nil {
		return Policy{}, err
	}
	ch, cm, err := config.ParseHHMM("window.close", wclose)
	if err != nil {
		return Policy{}, err
	}
	p.WindowOpen = oh*60 + om
	p.WindowClose = ch*60 + cm

	if p.MinWIP > p.MaxWIP {
		return Policy{}, fmt.Errorf("scheduler: min_wip %d > max_wip %d", p.MinWIP, p.MaxWIP)
	}
	return p, nil
}

// Clamp bounds a proposed wip limit to [MinWIP, MaxWIP].
func (p Policy) Clamp(wip int) int {
	if wip < p.MinWIP {
		return p.MinWIP
	}
	if wip > p.MaxWIP {
		return p.MaxWIP
	}
	return wip
}

// WithinActiveHours reports whether t falls inside the active-hours band.
// A band with end before start wraps past midnight.
func (p Policy) WithinActiveHours(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if p.ActiveStart <= p.ActiveEnd {
		return m >= p.ActiveStart && m < p.ActiveEnd
	}
	return m >= p.ActiveStart || m < p.ActiveEnd
}

// WithinWindow reports whether t's time of day falls inside the overnight
// window band. A close earlier than open wraps past midnight.
func (p Policy) WithinWindow(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if p.WindowOpen <= p.WindowClose {
		return m >= p.WindowOpen && m < p.WindowClose
	}
	return m >= p.WindowOpen || m < p.WindowClose
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
