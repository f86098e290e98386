// Package app wires the daemon: config, logging, scheduler, triggers,
// history storage and the event-to-log bridge.
package app

import (
	"context"
	"fmt"
	"time"

	"jobmill/internal/batch"
	"jobmill/internal/config"
	"jobmill/internal/eventbus"
	"jobmill/internal/eventlog"
	"jobmill/internal/history"
	"jobmill/internal/proc"
	"jobmill/internal/runtime/supervisor"
	"jobmill/internal/storage"
	"jobmill/internal/trigger"
	logx "jobmill/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	sched  *batch.Scheduler
	trig   *trigger.Service
	bridge *eventlog.Bridge
	store  storage.Store
	rec    *history.Recorder
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	schedCfg, err := mapScheduler(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	sched := batch.New(schedCfg, log.With(logx.String("comp", "scheduler")), bus)
	proc.RegisterBuiltins(sched, log.With(logx.String("comp", "proc")))

	storeCfg, err := mapStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	trig := trigger.New(mapTriggers(cfg.Triggers), log.With(logx.String("comp", "triggers")), sched)
	tpls, err := templatesFromConfig(cfg.Triggers)
	if err != nil {
		return nil, err
	}
	for _, tpl := range tpls {
		if err := trig.Add(tpl); err != nil {
			return nil, fmt.Errorf("trigger %s: %w", tpl.Name, err)
		}
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		sched:   sched,
		trig:    trig,
		bridge:  eventlog.New(mapEventLog(cfg.EventLog), log.With(logx.String("comp", "events")), bus),
		store:   store,
	}
	if store != nil {
		a.rec = history.New(log.With(logx.String("comp", "history")), bus, store, sched)
	}
	return a, nil
}

// Scheduler exposes the job scheduler for embedding callers that want to
// submit jobs or register processors beyond the built-ins.
func (a *App) Scheduler() *batch.Scheduler { return a.sched }

// Done is closed when the app context is canceled (fatal error or Stop).
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
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.sup.Go0("eventlog", a.bridge.Run)
	if a.rec != nil {
		a.sup.Go0("history", a.rec.Run)
	}

	a.trig.Start()

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// reloadLoop applies committed config changes to the live services.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(mapLogging(cfg.Logging))

	schedCfg, err := mapScheduler(cfg.Scheduler)
	if err != nil {
		// Validate() checks this before commit; keep the old limits if a
		// bad value slips through anyway.
		a.log.Warn("scheduler config not applied", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
	}

	a.trig.Apply(mapTriggers(cfg.Triggers))
	if tpls, err := templatesFromConfig(cfg.Triggers); err != nil {
		a.log.Warn("trigger templates not applied", logx.Err(err))
	} else {
		a.syncTriggers(tpls)
	}

	a.log.Info("config applied")
}

// syncTriggers upserts the declared templates and removes triggers that
// disappeared from the config.
func (a *App) syncTriggers(tpls []trigger.Template) {
	want := make(map[string]bool, len(tpls))
	for _, tpl := range tpls {
		want[tpl.Name] = true
		if err := a.trig.Add(tpl); err != nil {
			a.log.Warn("trigger not applied", logx.String("trigger", tpl.Name), logx.Err(err))
		}
	}
	for _, info := range a.trig.Triggers() {
		if !want[info.Name] {
			a.trig.Remove(info.Name)
			a.log.Info("trigger removed", logx.String("trigger", info.Name))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("triggers", 2*time.Second, func(context.Context) error { a.trig.Stop(); return nil })
	step("scheduler", time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
