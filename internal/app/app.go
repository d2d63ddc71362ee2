// Package app wires the courier services together and owns their
// lifecycle: construction from config, startup order, config hot reload
// fanout and bounded, ordered shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/eventbus"
	"courier/internal/oneshot"
	"courier/internal/ratelimit"
	rtsup "courier/internal/runtime/supervisor"
	"courier/internal/schedule"
	"courier/internal/session"
	"courier/internal/storage"
	"courier/internal/transport/telegram"
	logx "courier/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter    *telegram.Adapter
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Service
	sess       *session.Supervisor
	sched      *schedule.Service
	once       *oneshot.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

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
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	rlCfg, err := mapRateLimitConfig(cfg)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(rlCfg, log, bus)

	dCfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.New(dCfg, adapter, limiter, log, bus)

	sCfg, err := mapSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	sess := session.New(sCfg, adapter, log, bus)

	sched := schedule.New(mapSchedulerConfig(cfg), dispatcher, log, bus)
	if err := sched.SetSchedules(mapScheduleDefs(cfg.Schedules)); err != nil {
		return nil, err
	}

	oCfg, err := mapOneshotConfig(cfg)
	if err != nil {
		return nil, err
	}
	var jobStore oneshot.Store
	if store != nil {
		jobStore = store
	}
	once := oneshot.New(oCfg, jobStore, dispatcher, log, bus)

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		adapter:    adapter,
		limiter:    limiter,
		dispatcher: dispatcher,
		sess:       sess,
		sched:      sched,
		once:       once,
	}, nil
}

// Done is closed when the app run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.sess.Events()); err != nil {
		return err
	}
	a.sup.Go("session.events", func(c context.Context) error {
		return a.sess.Run(c)
	})

	a.limiter.Start(a.sup.Context())
	a.once.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	// Event log for observability; components can also subscribe themselves.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload config fanout.
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
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig fans a validated reload out to the running services. Limits,
// pacing, backoff, polling and the schedule table apply live; storage and
// telegram changes need a restart and only warn.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, scheduleIDs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range sections {
		if s == "storage" || s == "telegram" {
			a.log.Warn("section requires a restart to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if cfg, err := mapRateLimitConfig(newCfg); err != nil {
		a.log.Warn("invalid rate_limit config; keeping previous", logx.Err(err))
	} else {
		a.limiter.Apply(cfg)
	}
	if cfg, err := mapDeliveryConfig(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.dispatcher.Apply(cfg)
	}
	if cfg, err := mapSessionConfig(newCfg); err != nil {
		a.log.Warn("invalid session config; keeping previous", logx.Err(err))
	} else {
		a.sess.Apply(cfg)
	}
	if cfg, err := mapOneshotConfig(newCfg); err != nil {
		a.log.Warn("invalid oneshot config; keeping previous", logx.Err(err))
	} else {
		a.once.Apply(cfg)
	}

	a.sched.Apply(mapSchedulerConfig(newCfg))
	if len(scheduleIDs) > 0 {
		if err := a.sched.SetSchedules(mapScheduleDefs(newCfg.Schedules)); err != nil {
			a.log.Warn("invalid schedule table; keeping previous", logx.Err(err))
		} else {
			a.log.Info("schedule table replaced", logx.Any("changed", scheduleIDs))
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds one shutdown stage so no component can stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Producers first, then the drain, then the transport edge.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("oneshot", 2*time.Second, func(c context.Context) error { a.once.Stop(c); return nil })
	step("ratelimit", 2*time.Second, func(c context.Context) error { a.limiter.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally wait for supervised goroutines (config watch/reload, session loop).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
