// Package app wires config, logging, storage, and the scheduler into the
// leasecrond daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"

	"leasecron/internal/config"
	"leasecron/internal/eventbus"
	"leasecron/internal/runner"
	"leasecron/internal/runtime/supervisor"
	"leasecron/internal/scheduler"
	"leasecron/internal/store"
	logx "leasecron/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store store.Store
	sched *scheduler.Service
	sup   *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "config"))
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	st, err := store.Open(mapStorageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if st == nil {
		return nil, errors.New("storage.driver must be configured (sqlite or memory)")
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	sched, err := scheduler.New(schedCfg, st, log.With(logx.String("comp", "scheduler")), bus)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logs,
		bus:   bus,
		store: st,
		sched: sched,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Current()
	if err := a.declareTasks(ctx, cfg, true); err != nil {
		return err
	}

	a.sup = supervisor.New(context.Background(), supervisor.WithLogger(a.log))
	a.sup.Go("config-watch", func(ctx context.Context) {
		if err := a.cfgm.Watch(ctx, a.onConfigChange); err != nil {
			a.log.Error("config watcher stopped", logx.Err(err))
		}
	})
	a.sup.Go("task-events", a.logTaskEvents)

	if sent, err := sdaemon.SdNotify(false, sdaemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("leasecrond started", logx.Int("tasks", len(cfg.Tasks)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyStopping)

	var firstErr error
	if err := a.sched.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("leasecrond stopped")
	_ = a.logs.Close()
	return firstErr
}

// declareTasks (re-)declares every configured task. On startup any failure
// aborts; on reload failures are logged so one bad task cannot block the
// rest.
func (a *App) declareTasks(ctx context.Context, cfg *config.Config, fatal bool) error {
	for _, tc := range cfg.Tasks {
		timeout, err := config.ParseDurationField("timeout", tc.Timeout)
		if err == nil {
			var renew time.Duration
			renew, err = config.ParseDurationField("renew_every", tc.RenewEvery)
			if err == nil {
				w := runner.Command(tc.Command, runner.Options{Timeout: timeout, RenewEvery: renew},
					a.log.With(logx.String("comp", "runner"), logx.String("task", tc.ID)))
				err = a.sched.Declare(ctx, tc.ID, tc.Schedule, w)
			}
		}
		if err != nil {
			if fatal {
				return fmt.Errorf("declare task %q: %w", tc.ID, err)
			}
			a.log.Error("declare failed", logx.String("task", tc.ID), logx.Err(err))
		}
	}
	return nil
}

func (a *App) onConfigChange(cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	// Re-declaring updates workers and schedules in place. Tasks removed
	// from the file stay registered until restart; the core has no
	// deregistration operation.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = a.declareTasks(ctx, cfg, false)
}

func (a *App) logTaskEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			ev, ok := e.Data.(scheduler.TaskEvent)
			if !ok {
				continue
			}
			switch e.Type {
			case scheduler.EventTaskCompleted:
				a.log.Info("task completed",
					logx.String("task", ev.ID),
					logx.Duration("took", ev.Duration),
					logx.Time("next_due", ev.NextDue))
			case scheduler.EventTaskFailed:
				a.log.Warn("task failed",
					logx.String("task", ev.ID),
					logx.Duration("took", ev.Duration),
					logx.String("error", ev.Error),
					logx.Time("next_due", ev.NextDue))
			}
		}
	}
}

// ---- config mapping ----

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) store.Config {
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		Table:       cfg.Storage.Table,
		BusyTimeout: busy,
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval",
		cfg.Scheduler.PollInterval, scheduler.DefaultPollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("scheduler.processing_timeout",
		cfg.Scheduler.ProcessingTimeout, scheduler.DefaultProcessingTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		PollInterval:      poll,
		ProcessingTimeout: timeout,
		Timezone:          cfg.Scheduler.Timezone,
	}, nil
}
