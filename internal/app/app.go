package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskloop/internal/config"
	"taskloop/internal/eventbus"
	"taskloop/internal/observability/debugsrv"
	"taskloop/internal/runtime/supervisor"
	"taskloop/internal/storage"
	"taskloop/internal/task/engine"
	"taskloop/internal/task/scheduler"
	logx "taskloop/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	rec       *storage.Recorder
	recCancel context.CancelFunc
	recDone   chan struct{}

	engine *engine.Service
	sched  *scheduler.Service
	debug  *debugsrv.Service
}

// NewApp loads cfgPath and builds every component. An empty path runs on
// defaults without hot reload.
func NewApp(cfgPath string) (*App, error) {
	if strings.TrimSpace(cfgPath) == "" {
		return NewAppFromConfig(DefaultConfig())
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	a, err := NewAppFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	return a, nil
}

// DefaultConfig is used when no config file is given.
func DefaultConfig() *config.Config {
	return &config.Config{
		Logging:   config.LoggingConfig{Level: "info", Console: true},
		Scheduler: config.SchedulerConfig{Enabled: true},
	}
}

// NewAppFromConfig builds the app from an already validated config.
func NewAppFromConfig(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if err := validateTriggers(cfg); err != nil {
		return nil, err
	}
	if err := mapDebugConfig(cfg).Validate(); err != nil {
		return nil, fmt.Errorf("debug: %w", err)
	}

	logSvc, log := logx.NewService(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	a := &App{
		cfg:   cfg,
		log:   appLog,
		logs:  logSvc,
		bus:   bus,
		store: store,
	}
	// Subscribe before the engine exists so no terminal event is missed.
	if store != nil {
		a.rec = storage.NewRecorder(store, bus, log.With(logx.String("comp", "recorder")))
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, log.With(logx.String("comp", "scheduler")))
	a.debug = debugsrv.New(mapDebugConfig(cfg), a.status, log.With(logx.String("comp", "debug")))

	if err := a.registerTriggers(cfg, nil); err != nil {
		_ = a.engine.Shutdown(context.Background())
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	return a, nil
}

func (a *App) Engine() *engine.Service       { return a.engine }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Logger() logx.Logger           { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// The journal outlives the app context so dropped events published
	// during shutdown are still written.
	if a.rec != nil {
		rctx, cancel := context.WithCancel(context.WithoutCancel(a.sup.Context()))
		a.recCancel = cancel
		a.recDone = make(chan struct{})
		done := a.recDone
		a.sup.Go("storage.recorder", func(context.Context) error {
			defer close(done)
			return a.rec.Run(rctx)
		})
	}

	// With start_immediately the consumer is already running.
	if err := a.engine.Start(a.sup.Context()); err != nil && !errors.Is(err, engine.ErrAlreadyRunning) {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	} else if len(a.cfg.Triggers) > 0 {
		a.log.Info("scheduler disabled; recurring triggers will not fire")
	}

	// The debug endpoint is optional; a bind failure never stops the app.
	if err := a.debug.Start(); err != nil {
		a.log.Warn("debug server start failed", logx.Err(err))
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
					if te, ok := e.Data.(engine.TaskEvent); ok {
						fields = append(fields, logx.String("task_id", te.ID), logx.String("name", te.Name), logx.Int("attempt", te.Attempt))
					}
					// Keep this debug-level to avoid noise for frequent triggers.
					a.log.Debug("event", fields...)
				}
			}
		})
	}

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, err := mapEngineConfig(cfg); err != nil {
				return err
			}
			if _, _, err := mapStorageConfig(cfg); err != nil {
				return err
			}
			if err := mapDebugConfig(cfg).Validate(); err != nil {
				return fmt.Errorf("debug: %w", err)
			}
			return validateTriggers(cfg)
		})

		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			lastApplied := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					// Coalesce bursts: keep only the latest config in the channel.
				drain:
					for {
						select {
						case newer := <-sub:
							if newer != nil {
								newCfg = newer
							}
						default:
							break drain
						}
					}
					a.applyConfig(c, lastApplied, newCfg)
					lastApplied = newCfg
				}
			}
		})

		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// Status is the document served on /status.
type Status struct {
	Engine     engine.Snapshot     `json:"engine"`
	Scheduler  scheduler.Snapshot  `json:"scheduler"`
	RecentRuns []storage.RunRecord `json:"recent_runs,omitempty"`
}

func (a *App) status(ctx context.Context) any {
	st := Status{Engine: a.engine.Snapshot(), Scheduler: a.sched.Snapshot()}
	if a.store != nil {
		runs, err := a.store.RecentRuns(ctx, 20)
		if err != nil {
			a.log.Debug("recent runs unavailable", logx.Err(err))
		}
		st.RecentRuns = runs
	}
	return st
}

// applyConfig hot-applies logging, engine, scheduler and trigger changes.
// Storage changes need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedTriggers := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if engCfg, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(engCfg)
	}

	prevSchedEnabled := a.sched.Enabled()
	a.sched.Apply(mapSchedulerConfig(newCfg))
	switch {
	case prevSchedEnabled && !newCfg.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSchedEnabled && newCfg.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if err := a.debug.Reconfigure(ctx, mapDebugConfig(newCfg)); err != nil {
		a.log.Warn("debug server reconfigure failed", logx.Err(err))
	}

	if len(changedTriggers) > 0 {
		if err := a.registerTriggers(newCfg, changedTriggers); err != nil {
			a.log.Warn("trigger reload incomplete", logx.Err(err))
		}
	}
	a.cfg = newCfg

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Triggers first so nothing new is submitted while the engine drains.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { return a.engine.Shutdown(c) })
	step("recorder", time.Second, func(c context.Context) error {
		if a.recCancel == nil {
			return nil
		}
		a.recCancel()
		select {
		case <-a.recDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("debug", time.Second, func(c context.Context) error { return a.debug.Stop(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
