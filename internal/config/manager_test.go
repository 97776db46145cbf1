package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
logging:
  level: info
  console: true
quota:
  reset_hour: 3
  tiers:
    std:
      limit: 100
      reserve_fraction: 0.15
storage:
  driver: file
  path: ./state/ledger.json
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", minimalYAML)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "info" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Quota.ResetHour != 3 {
		t.Fatalf("reset_hour = %d, want 3", cfg.Quota.ResetHour)
	}
	tier, ok := cfg.Quota.Tiers["std"]
	if !ok || tier.Limit != 100 || tier.ReserveFraction != 0.15 {
		t.Fatalf("tier std = %+v", tier)
	}
	if cfg.Storage.Driver != "file" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"quota": {"reset_hour": 0, "tiers": {"std": {"limit": 10}}},
		"storage": {"driver": "file", "path": "./ledger.json"}
	}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Quota.Tiers["std"].Limit != 10 {
		t.Fatalf("tier limit = %d, want 10", cfg.Quota.Tiers["std"].Limit)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", minimalYAML+"\nsurprise: true\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestParseRejectsMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := NewManager(filepath.Join(t.TempDir(), "nope.yaml")).Parse(); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			Quota: QuotaConfig{
				ResetHour: 3,
				Tiers:     map[string]TierConfig{"std": {Limit: 100}},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "minimal valid", mutate: func(c *Config) {}},
		{
			name:    "min_wip above max_wip",
			mutate:  func(c *Config) { c.Scheduler.MinWIP = 4; c.Scheduler.MaxWIP = 2 },
			wantErr: "min_wip",
		},
		{
			name:    "stall rate out of range",
			mutate:  func(c *Config) { c.Scheduler.StallRateFocus = 1.5 },
			wantErr: "stall_rate_focus",
		},
		{
			name:    "bad stall threshold",
			mutate:  func(c *Config) { c.Scheduler.StallThreshold = "soon" },
			wantErr: "stall_threshold",
		},
		{
			name:    "bad active hours",
			mutate:  func(c *Config) { c.Scheduler.ActiveHoursStart = "8am" },
			wantErr: "active_hours_start",
		},
		{
			name:    "reset hour out of range",
			mutate:  func(c *Config) { c.Quota.ResetHour = 24 },
			wantErr: "reset_hour",
		},
		{
			name:    "no tiers",
			mutate:  func(c *Config) { c.Quota.Tiers = nil },
			wantErr: "tier",
		},
		{
			name:    "negative limit",
			mutate:  func(c *Config) { c.Quota.Tiers["std"] = TierConfig{Limit: -1} },
			wantErr: "limit",
		},
		{
			name:    "reserve fraction too large",
			mutate:  func(c *Config) { c.Quota.Tiers["std"] = TierConfig{Limit: 10, ReserveFraction: 0.95} },
			wantErr: "reserve_fraction",
		},
		{
			name:    "bad window open",
			mutate:  func(c *Config) { c.Window.Enabled = true; c.Window.Open = "26:00" },
			wantErr: "window.open",
		},
		{
			name:   "window fields ignored when disabled",
			mutate: func(c *Config) { c.Window.Open = "26:00" },
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "etcd" },
			wantErr: "driver",
		},
		{
			name:    "notify enabled without token",
			mutate:  func(c *Config) { c.Notify = &NotifyConfig{Enabled: true, ChatID: 1} },
			wantErr: "token",
		},
		{
			name:   "notify disabled needs nothing",
			mutate: func(c *Config) { c.Notify = &NotifyConfig{} },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		h, m    int
		wantErr bool
	}{
		{raw: "08:00", h: 8, m: 0},
		{raw: "23:59", h: 23, m: 59},
		{raw: "0:5", h: 0, m: 5},
		{raw: "24:00", wantErr: true},
		{raw: "12:60", wantErr: true},
		{raw: "noon", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tc := range tests {
		h, m, err := ParseHHMM("t", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseHHMM(%q) accepted", tc.raw)
			}
			continue
		}
		if err != nil || h != tc.h || m != tc.m {
			t.Errorf("ParseHHMM(%q) = (%d, %d, %v), want (%d, %d)", tc.raw, h, m, err, tc.h, tc.m)
		}
	}
}

func TestLoadCommitGet(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", minimalYAML)
	m := NewManager(path)
	if m.Get() != nil {
		t.Fatal("Get before Load returned a config")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}
