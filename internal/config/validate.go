package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks cross-field constraints that strict decoding cannot express.
// Zero values that have documented defaults are allowed.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	s := c.Scheduler
	if s.MinWIP < 0 || s.MaxWIP < 0 {
		return errors.New("scheduler: wip bounds must be >= 0")
	}
	if s.MinWIP > 0 && s.MaxWIP > 0 && s.MinWIP > s.MaxWIP {
		return fmt.Errorf("scheduler: min_wip %d > max_wip %d", s.MinWIP, s.MaxWIP)
	}
	if s.StallRateFocus < 0 || s.StallRateFocus > 1 {
		return errors.New("scheduler: stall_rate_focus must be in [0,1]")
	}
	if s.StallRateLow < 0 || s.StallRateLow > 1 {
		return errors.New("scheduler: stall_rate_low must be in [0,1]")
	}
	if s.MaxRetries < 0 {
		return errors.New("scheduler: max_retries must be >= 0")
	}
	if _, err := ParseDurationField("scheduler.stall_threshold", s.StallThreshold); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.metrics_window", s.MetricsWindow); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"scheduler.active_hours_start", s.ActiveHoursStart},
		{"scheduler.active_hours_end", s.ActiveHoursEnd},
	} {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		if _, _, err := ParseHHMM(f.path, f.raw); err != nil {
			return err
		}
	}

	if c.Quota.ResetHour < 0 || c.Quota.ResetHour > 23 {
		return errors.New("quota: reset_hour must be in [0,23]")
	}
	if len(c.Quota.Tiers) == 0 {
		return errors.New("quota: at least one tier is required")
	}
	for name, t := range c.Quota.Tiers {
		if strings.TrimSpace(name) == "" {
			return errors.New("quota: tier name must not be empty")
		}
		if t.Limit < 0 {
			return fmt.Errorf("quota: tier %q: limit must be >= 0", name)
		}
		if t.ReserveFraction < 0 || t.ReserveFraction > 0.9 {
			return fmt.Errorf("quota: tier %q: reserve_fraction must be in [0,0.9]", name)
		}
	}

	w := c.Window
	if w.Enabled {
		for _, f := range []struct{ path, raw string }{
			{"window.open", w.Open},
			{"window.close", w.Close},
		} {
			if strings.TrimSpace(f.raw) == "" {
				continue
			}
			if _, _, err := ParseHHMM(f.path, f.raw); err != nil {
				return err
			}
		}
		if _, err := ParseDurationField("window.max_run", w.MaxRun); err != nil {
			return err
		}
		if _, err := ParseDurationField("window.item_timeout", w.ItemTimeout); err != nil {
			return err
		}
		if w.RetryJitter < 0 || w.RetryJitter > 1 {
			return errors.New("window: retry_jitter must be in [0,1]")
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	if n := c.Notify; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			return errors.New("notify: token is required when enabled")
		}
		if n.ChatID == 0 {
			return errors.New("notify: chat_id is required when enabled")
		}
	}

	return nil
}
