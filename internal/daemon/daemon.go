// Package daemon runs the jobs on cron schedules until stopped. It watches
// the config file for edits, re-applies logging and schedules live, and
// cooperates with systemd (readiness, status, watchdog) when run as a unit.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"valmon/internal/config"
	"valmon/internal/job"
	"valmon/internal/joblog"
	"valmon/internal/lockfile"
	"valmon/internal/runtime/supervisor"
	"valmon/internal/storage"
	logx "valmon/pkg/logx"
)

type Daemon struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	mu    sync.Mutex
	cron  *cron.Cron
	store storage.Store
}

func New(cfgMgr *config.Manager, logSvc *logx.Service, log logx.Logger) *Daemon {
	return &Daemon{cfgMgr: cfgMgr, logSvc: logSvc, log: log}
}

// Run blocks until ctx is canceled. Config edits are validated before they
// are applied; a broken edit keeps the previous schedules running.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.cfgMgr.Get()
	if cfg == nil {
		var err error
		if cfg, err = d.cfgMgr.Load(); err != nil {
			return err
		}
	}

	scfg, err := storageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(scfg, d.log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	d.store = store
	defer func() {
		if d.store != nil {
			_ = d.store.Close()
		}
	}()

	// Reject edits whose schedules or job settings don't build.
	d.cfgMgr.SetValidator(func(_ context.Context, next *config.Config) error {
		_, err := d.buildCron(context.Background(), next)
		return err
	})

	c, err := d.buildCron(ctx, cfg)
	if err != nil {
		return err
	}
	d.swapCron(c)

	sup := supervisor.New(ctx, d.log)
	sup.GoRestart("config-watch", d.cfgMgr.Watch)

	updates := d.cfgMgr.Subscribe(1)
	defer d.cfgMgr.Unsubscribe(updates)
	sup.Go("config-apply", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case next, ok := <-updates:
				if !ok {
					return nil
				}
				d.applyConfig(ctx, next)
			}
		}
	})

	if cfg.Daemon.Watchdog {
		if interval, werr := sd.SdWatchdogEnabled(false); werr == nil && interval > 0 {
			sup.GoRestart("watchdog", func(ctx context.Context) error {
				return watchdogLoop(ctx, interval)
			})
		} else if werr != nil {
			d.log.Warn("watchdog requested but not available", logx.Err(werr))
		}
	}

	_, _ = sd.SdNotify(false, sd.SdNotifyReady)
	_, _ = sd.SdNotify(false, "STATUS=scheduling jobs")
	d.log.Info("daemon started", logx.String("config", "live-reload enabled"))

	<-ctx.Done()
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
	d.log.Info("daemon stopping")

	d.mu.Lock()
	running := d.cron
	d.cron = nil
	d.mu.Unlock()
	if running != nil {
		// Let in-flight job runs finish, bounded.
		stopCtx := running.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(30 * time.Second):
			d.log.Warn("job runs still in flight at shutdown deadline")
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return sup.Stop(waitCtx)
}

// buildCron assembles a scheduler for cfg without starting it when ctx is
// nil-scoped validation. Jobs without a schedule simply stay manual.
func (d *Daemon) buildCron(ctx context.Context, cfg *config.Config) (*cron.Cron, error) {
	reg, err := job.NewRegistry(cfg, d.store)
	if err != nil {
		return nil, err
	}

	loc := time.Local
	if cfg.Daemon.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Daemon.Timezone); err != nil {
			return nil, fmt.Errorf("daemon.timezone: %w", err)
		}
	}

	runner := &job.Runner{
		RuntimeDir: cfg.RuntimeDir,
		Store:      d.store,
		Logs:       joblog.NewManager(cfg.LogDir, cfg.Logging.Level, cfg.Logging.Console, cfg.Logging.Keep),
		LockOpts:   lockfile.Options{Log: d.log},
		Log:        d.log,
	}

	c := cron.New(cron.WithLocation(loc))
	scheduled := 0
	for _, j := range reg.All() {
		spec := cfg.Job(j.Name).Schedule
		if spec == "" || j.Disabled {
			continue
		}
		j := j
		if _, err := c.AddFunc(spec, func() {
			rep := runner.Run(ctx, j)
			d.log.Info("scheduled run finished",
				logx.String("job", rep.Job),
				logx.String("status", string(rep.Status)),
				logx.String("detail", rep.Detail),
				logx.Duration("elapsed", rep.Elapsed()),
				logx.Err(rep.Err))
			_, _ = sd.SdNotify(false, fmt.Sprintf("STATUS=last run %s: %s", rep.Job, rep.Status))
		}); err != nil {
			return nil, fmt.Errorf("jobs.%s.schedule: %w", j.Name, err)
		}
		scheduled++
	}
	if scheduled == 0 {
		return nil, fmt.Errorf("daemon mode needs at least one jobs.<name>.schedule")
	}
	return c, nil
}

func (d *Daemon) swapCron(next *cron.Cron) {
	d.mu.Lock()
	prev := d.cron
	d.cron = next
	d.mu.Unlock()
	if prev != nil {
		<-prev.Stop().Done()
	}
	if next != nil {
		next.Start()
	}
}

func (d *Daemon) applyConfig(ctx context.Context, next *config.Config) {
	d.logSvc.Apply(logx.Config{Level: next.Logging.Level, Console: next.Logging.Console})

	c, err := d.buildCron(ctx, next)
	if err != nil {
		// Validator should have caught this; keep the old schedules.
		d.log.Warn("config update not applied", logx.Err(err))
		return
	}
	d.swapCron(c)
	d.log.Info("schedules reloaded")
	_, _ = sd.SdNotify(false, "STATUS=schedules reloaded")
}

func watchdogLoop(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := sd.SdNotify(false, sd.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}
