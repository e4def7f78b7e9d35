// Package app wires storage, the task engine, the durable queue, the
// scheduler and the control surface into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"duedigest/internal/config"
	"duedigest/internal/eventbus"
	"duedigest/internal/firing"
	"duedigest/internal/httpapi"
	"duedigest/internal/observability/metrics"
	"duedigest/internal/registry"
	rtsup "duedigest/internal/runtime/supervisor"
	"duedigest/internal/sms"
	"duedigest/internal/source"
	"duedigest/internal/storage"
	"duedigest/internal/task/engine"
	"duedigest/internal/task/queue"
	"duedigest/internal/task/scheduler"
	logx "duedigest/pkg/logx"
)

const housekeepingEntry = "housekeeping"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.Memory
	store *storage.Store

	engine   *engine.Service
	queue    *queue.Queue
	sched    *scheduler.Service
	registry *registry.Registry
	pipeline *firing.Pipeline
	metrics  *metrics.Metrics
	http     *httpapi.Service

	housekeeping string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.NewService(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))

	// validateConfig already accepted every section; errors below are
	// environment failures, not config mistakes.
	stc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(stc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	engCfg, _ := mapTaskEngineConfig(cfg)
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	srcCfg, creds, _ := mapSourceConfig(cfg)
	src := source.New(srcCfg, creds, log.With(logx.String("comp", "source")))

	var sender firing.Sender
	smsCfg, live, err := mapSMSConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	if live {
		sender = sms.New(smsCfg, log.With(logx.String("comp", "sms")))
	} else {
		appLog.Warn("sms.account_sid not set; running in dry-run mode (messages are logged, not sent)")
		sender = &sms.LogSender{Log: log.With(logx.String("comp", "sms"))}
	}

	fcfg, _ := mapFiringConfig(cfg)
	pipeline := firing.New(fcfg, store, src, sender, log, bus)
	pipeline.SetSegmenter(sms.Segments)

	qcfg, _ := mapQueueConfig(cfg)
	q := queue.New(qcfg, store, engineSvc, pipeline, log.With(logx.String("comp", "queue")), bus)
	pipeline.SetEnqueuer(q)

	schedCfg, hk, _ := mapSchedulerConfig(cfg)
	schedSvc := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")))

	rcfg, _ := mapRegistryConfig(cfg)
	reg := registry.New(rcfg, store, schedSvc, q, log.With(logx.String("comp", "registry")))

	m := metrics.New(store, bus.Dropped, log)

	hcfg, _ := mapHTTPConfig(cfg)
	httpSvc := httpapi.New(hcfg, httpapi.Deps{
		Store:      store,
		Registry:   reg,
		Firer:      pipeline,
		Queue:      q,
		Metrics:    m.Handler(),
		Instrument: m.Middleware,
	}, log)

	return &App{
		cfgm:         cfgm,
		log:          appLog,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		engine:       engineSvc,
		queue:        q,
		sched:        schedSvc,
		registry:     reg,
		pipeline:     pipeline,
		metrics:      m,
		http:         httpSvc,
		housekeeping: hk,
	}, nil
}

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

// Start brings components up in dependency order: engine, then the queue
// (after recovering lapsed leases), then triggers, then the control surface.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.queue.Maintain(run); err != nil {
		return fmt.Errorf("queue recovery: %w", err)
	}

	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	a.queue.Start(run)

	if a.sched.Enabled() {
		a.sched.Start(run)
		if err := a.installHousekeeping(a.housekeeping); err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(run, time.Minute)
		rep, err := a.registry.Reconcile(rctx)
		cancel()
		if err != nil {
			return fmt.Errorf("reconcile triggers: %w", err)
		}
		a.log.Info("triggers reconciled",
			logx.Int("installed", rep.Installed),
			logx.Int("removed", rep.Removed),
			logx.Int("loaded", rep.Loaded),
			logx.Int("caught_up", rep.CaughtUp),
		)
	} else {
		a.log.Warn("scheduler disabled; digests fire only on manual request")
	}

	a.sup.Go("metrics.events", func(c context.Context) error {
		if err := a.metrics.Run(c, a.bus); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if a.http.Enabled() {
		a.http.Start(run)
	}

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

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.notifyReady()
	a.log.Info("app started")
	return nil
}

func (a *App) installHousekeeping(spec string) error {
	err := a.sched.AddSchedule(housekeepingEntry, spec, func(time.Time) {
		ctx, cancel := context.WithTimeout(a.sup.Context(), 30*time.Second)
		defer cancel()
		if err := a.queue.Maintain(ctx); err != nil {
			a.log.Warn("queue housekeeping failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("housekeeping schedule: %w", err)
	}
	return nil
}

// reloadLoop applies hot-reloadable sections from each committed config.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = cfg
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

		sections, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(sections) == 0 {
			a.log.Debug("config reload received, but no effective changes detected")
			continue
		}
		if len(restart) > 0 {
			a.log.Warn("config sections changed that require a restart", logx.String("sections", strings.Join(restart, ",")))
		}
		a.apply(c, newCfg)
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

// apply pushes live settings to running components. The config was
// validated before commit, so mapping errors are not expected here.
func (a *App) apply(c context.Context, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	prevSched := a.sched.Enabled()
	prevEng := a.engine.Enabled()

	if ec, err := mapTaskEngineConfig(cfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, ec)
	}
	if qc, err := mapQueueConfig(cfg); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.queue.Apply(qc)
	}
	sc, hk, err := mapSchedulerConfig(cfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		sc, hk = scheduler.Config{Enabled: prevSched}, a.housekeeping
	} else {
		a.sched.Apply(sc)
	}

	newEng := a.engine.Enabled()
	// Stop triggers before the engine; start the engine before triggers.
	if prevSched && !sc.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEng && !newEng {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && newEng {
		a.log.Info("task engine enabled via config")
		a.engine.Start(c)
	}
	if !prevSched && sc.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
		rctx, cancel := context.WithTimeout(c, time.Minute)
		if _, err := a.registry.Reconcile(rctx); err != nil {
			a.log.Error("reconcile after enable failed", logx.Err(err))
		}
		cancel()
	}
	if sc.Enabled && (hk != a.housekeeping || !a.sched.Has(housekeepingEntry)) {
		if err := a.installHousekeeping(hk); err != nil {
			a.log.Warn("housekeeping reschedule failed", logx.Err(err))
		} else {
			a.housekeeping = hk
		}
	}

	if hc, err := mapHTTPConfig(cfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(c, hc)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Control surface first, then triggers, then the queue and its workers.
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", 2*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
