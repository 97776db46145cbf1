// Package app wires the daemon: config, logging, persistence, the
// coordinator, the overnight runner, and the operator channel.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"nightshift/internal/config"
	"nightshift/internal/coord"
	"nightshift/internal/eventbus"
	"nightshift/internal/nightrun"
	"nightshift/internal/notify"
	"nightshift/internal/quota"
	"nightshift/internal/runtime/supervisor"
	"nightshift/internal/state"
	"nightshift/internal/worker"
	logx "nightshift/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store  state.Store
	ledger *quota.Ledger
	bus    eventbus.Bus
	coord  *coord.Coordinator
	runner *nightrun.Runner
	notif  *notify.Service

	cron *cron.Cron
	sup  *supervisor.Supervisor
}

// New builds the full object graph from the config file. Nothing is running
// yet; Run starts the background machinery.
func New(ctx context.Context, configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", configPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertsConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			Path:       cfg.Logging.Alerts.Path,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	})
	mgr.SetLogger(log)

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log, bus: eventbus.New()}
	if err := a.build(ctx, cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	wcfg, err := nightrun.FromConfig(cfg.Window)
	if err != nil {
		return err
	}

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	a.store, err = state.Open(state.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		ResultsDir:  cfg.Storage.ResultsDir,
		BusyTimeout: busyTimeout,
	}, a.log)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}

	a.ledger = quota.NewLedger(cfg.Quota.ResetHour, wcfg.Loc, tierConfigs(cfg.Quota.Tiers))

	pol, err := coord.PolicyFromConfig(cfg.Scheduler, cfg.Window)
	if err != nil {
		return err
	}
	a.coord, err = coord.New(coord.Options{
		Policy: pol,
		Store:  a.store,
		Ledger: a.ledger,
		Bus:    a.bus,
		Logger: a.log,
	})
	if err != nil {
		return err
	}
	if err := a.coord.Load(ctx); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}

	if cfg.Window.Enabled {
		if len(cfg.Worker.Command) == 0 {
			return errors.New("window.enabled requires worker.command")
		}
		exec, err := worker.NewSubprocess(cfg.Worker.Command, a.log)
		if err != nil {
			return err
		}
		a.runner = nightrun.New(wcfg, a.coord, exec, a.bus, a.log)
	}

	if cfg.Notify != nil && cfg.Notify.Enabled {
		a.notif, err = notify.New(notify.Config{
			Token:      cfg.Notify.Token,
			ChatID:     cfg.Notify.ChatID,
			RatePerSec: cfg.Notify.RatePerSec,
		}, a.log)
		if err != nil {
			return err
		}
	}

	a.cron = cron.New(cron.WithLocation(wcfg.Loc))
	if a.runner != nil {
		_, err = a.cron.AddFunc(wcfg.CronSpec(), func() {
			if _, err := a.runner.Run(a.sup.Context()); err != nil {
				a.log.Warn("window run refused", logx.Err(err))
			}
		})
		if err != nil {
			return fmt.Errorf("scheduling window open: %w", err)
		}
	}
	_, err = a.cron.AddFunc(fmt.Sprintf("0 %d * * *", cfg.Quota.ResetHour), func() {
		if err := a.coord.ResetQuota(context.Background()); err != nil {
			a.log.Warn("quota reset failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling quota reset: %w", err)
	}
	_, err = a.cron.AddFunc("*/10 * * * *", func() {
		a.coord.FindStalled(context.Background())
		if _, err := a.coord.RecomputeWIP(context.Background()); err != nil {
			a.log.Warn("wip recompute failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sweeps: %w", err)
	}
	return nil
}

func tierConfigs(tiers map[string]config.TierConfig) map[string]quota.TierConfig {
	out := make(map[string]quota.TierConfig, len(tiers))
	for name, tc := range tiers {
		out[name] = quota.TierConfig{Limit: tc.Limit, ReserveFraction: tc.ReserveFraction}
	}
	return out
}

// Coordinator exposes the operations surface (CLI handlers, tests).
func (a *App) Coordinator() *coord.Coordinator { return a.coord }

// Run starts the background machinery and blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go0("config.apply", a.applyLoop)

	if a.notif != nil {
		a.sup.GoRestart("notify.send", a.notif.Run)
		a.sup.GoRestart("notify.observe", func(ctx context.Context) error {
			last := func() *nightrun.Report {
				if a.runner == nil {
					return nil
				}
				return a.runner.LastReport()
			}
			return a.notif.Observe(ctx, a.bus, last)
		})
	}

	a.cron.Start()

	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify: READY")
	}
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go0("watchdog", func(ctx context.Context) {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}

	a.log.Info("nightshift started")
	<-ctx.Done()
	return a.shutdown()
}

// applyLoop propagates hot reloads to the running services.
func (a *App) applyLoop(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
				Alerts: logx.AlertsConfig{
					Enabled:    cfg.Logging.Alerts.Enabled,
					Path:       cfg.Logging.Alerts.Path,
					MinLevel:   cfg.Logging.Alerts.MinLevel,
					RatePerSec: cfg.Logging.Alerts.RatePerSec,
				},
			})
			pol, err := coord.PolicyFromConfig(cfg.Scheduler, cfg.Window)
			if err != nil {
				a.log.Warn("reloaded scheduler config invalid, keeping current", logx.Err(err))
				continue
			}
			a.coord.Apply(pol)
			a.ledger.Apply(cfg.Quota.ResetHour, tierConfigs(cfg.Quota.Tiers))
			a.log.Info("runtime config applied")
		}
	}
}

func (a *App) shutdown() error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("shutting down")

	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(5 * time.Second):
		a.log.Warn("cron jobs still running at shutdown deadline")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.sup.Stop(stopCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("supervisor stop", logx.Err(err))
	}

	if cerr := a.store.Close(); cerr != nil {
		a.log.Warn("closing state store", logx.Err(cerr))
	}
	if cerr := a.logSvc.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
