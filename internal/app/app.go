package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"fleetbot/internal/config"
	"fleetbot/internal/control"
	"fleetbot/internal/observability/ops"
	"fleetbot/internal/progress"
	"fleetbot/internal/proxy"
	"fleetbot/internal/remote"
	"fleetbot/internal/remote/dryrun"
	rtsup "fleetbot/internal/runtime/supervisor"
	"fleetbot/internal/safety"
	"fleetbot/internal/storage"
	"fleetbot/internal/task/engine"
	"fleetbot/internal/task/scheduler"
	kit "fleetbot/internal/transport"
	telegram "fleetbot/internal/transport/telegram/adapter"
	"fleetbot/internal/transport/telegram/router"
	logx "fleetbot/pkg/logx"
)

// resyncEvery re-reads task schedules so edits made outside the bot are picked up.
const resyncEvery = time.Minute

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	adapter  kit.Adapter
	bus      progress.Bus
	registry *prometheus.Registry

	gov    *safety.Governor
	engine *engine.Service
	sched  *scheduler.Service
	cmdm   *router.CommandManager
	ctrl   *control.Controller
	sink   *control.Sink
	ops    *ops.Service

	updates chan kit.Update
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, ad)
}

func build(cfgm *config.ConfigManager, cfg *config.Config, ad kit.Adapter) (*App, error) {
	logSvc, log := logx.New(mapLogging(cfg), nil)
	if sender, ok := ad.(logx.Sender); ok {
		logSvc.SetSender(sender)
	}

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	a, err := assemble(cfgm, cfg, ad, store, logSvc, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func assemble(cfgm *config.ConfigManager, cfg *config.Config, ad kit.Adapter, store storage.Store, logSvc *logx.Service, log logx.Logger) (*App, error) {
	safeOpts, _, err := mapSafety(cfg)
	if err != nil {
		return nil, err
	}
	engOpts, err := mapEngine(cfg)
	if err != nil {
		return nil, err
	}
	checkOpts, err := mapChecker(cfg)
	if err != nil {
		return nil, err
	}
	sinkOpts, err := mapSink(cfg)
	if err != nil {
		return nil, err
	}
	dialer, err := newDialer(cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := progress.NewBus()
	gov := safety.NewGovernor(storage.Profiles{Store: store}, safeOpts, log)
	eng := engine.New(engine.Deps{
		Store:    store,
		Dialer:   dialer,
		Governor: gov,
		Bus:      bus,
		Metrics:  engine.NewMetrics(reg),
	}, engOpts, log)
	sched := scheduler.New(mapScheduler(cfg), eng, log)

	ctrl := control.New(control.Deps{
		Store:     store,
		Engine:    eng,
		Governor:  gov,
		Checker:   proxy.NewChecker(checkOpts, log),
		Scheduler: sched,
	}, log)
	sink := control.NewSink(ad, bus, eng, sinkOpts, log)
	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		store:    store,
		adapter:  ad,
		bus:      bus,
		registry: reg,
		gov:      gov,
		engine:   eng,
		sched:    sched,
		cmdm:     cmdm,
		ctrl:     ctrl,
		sink:     sink,
		updates:  make(chan kit.Update, 256),
	}
	a.ops = ops.New(mapOps(cfg), reg, a.health, log)
	return a, nil
}

func newDialer(cfg *config.Config, log logx.Logger) (remote.Dialer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Remote.Driver)) {
	case "", "dryrun":
		return dryrun.New(dryrun.Options{FailRate: cfg.Remote.FailRate}, log), nil
	default:
		return nil, fmt.Errorf("unknown remote.driver: %s", cfg.Remote.Driver)
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorage(cfg); err != nil {
			return err
		}
		if _, err := mapSink(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.prepareStore(runCtx); err != nil {
		return err
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.cmdm.SetRegistry(runCtx, a.ctrl.Commands(), a.ctrl.Callbacks())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("control.sink", a.sink.Run)

	a.sched.Start(runCtx)
	a.resyncSchedules(runCtx)
	a.sup.Go0("scheduler.resync", func(c context.Context) {
		t := time.NewTicker(resyncEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				a.resyncSchedules(c)
			}
		}
	})

	a.ops.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	notifyReady(a.log)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { runWatchdog(c, a.log) })

	a.log.Info("app started")
	return nil
}

// prepareStore imports session files and resets runs interrupted by a crash.
func (a *App) prepareStore(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if dir := strings.TrimSpace(cfg.Remote.SessionsDir); dir != "" {
		n, err := importSessions(ctx, a.store, dir)
		switch {
		case err != nil && n == 0:
			a.log.Warn("session import failed", logx.String("dir", dir), logx.Err(err))
		case err != nil:
			a.log.Warn("session import partially failed", logx.String("dir", dir), logx.Int("imported", n), logx.Err(err))
		case n > 0:
			a.log.Info("sessions imported", logx.String("dir", dir), logx.Int("imported", n))
		}
	}
	n, err := a.engine.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recover stale tasks: %w", err)
	}
	if n > 0 {
		a.log.Warn("tasks interrupted by restart were reset", logx.Int("count", n))
	}
	return nil
}

// importSessions stores accounts found in dir that the store does not know yet.
func importSessions(ctx context.Context, store storage.Store, dir string) (int, error) {
	found, scanErr := storage.ScanSessions(dir)
	n := 0
	for _, acc := range found {
		_, err := store.LoadAccount(ctx, acc.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return n, err
		}
		if err := store.SaveAccount(ctx, acc); err != nil {
			return n, err
		}
		n++
	}
	return n, scanErr
}

func (a *App) resyncSchedules(ctx context.Context) {
	tasks, err := a.store.ListTasks(ctx)
	if err != nil {
		a.log.Warn("schedule sync: list tasks failed", logx.Err(err))
		return
	}
	// Invalid schedules are already logged per task.
	_ = a.sched.Sync(tasks)
}

func (a *App) health(ctx context.Context) (map[string]any, error) {
	details := map[string]any{
		"active_runs": len(a.engine.Active()),
		"engine":      a.engine.Supervisor().Counters(),
		"scheduler":   a.sched.Enabled(),
	}
	if a.sup != nil {
		details["app"] = a.sup.Counters()
		if err := a.sup.Err(); err != nil {
			return details, err
		}
	}
	if _, err := a.store.ListTasks(ctx); err != nil {
		return details, fmt.Errorf("storage: %w", err)
	}
	return details, nil
}

// applyConfig hot-applies a committed config. Sections that need a restart
// are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, attrs := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(changed); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strs("sections", restart))
	}

	a.logs.Apply(mapLogging(next))
	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)

	if opts, enforce, err := mapSafety(next); err != nil {
		a.log.Warn("invalid safety config; keeping previous", logx.Err(err))
	} else {
		a.gov.SetOptions(opts)
		a.engine.SetEnforceWorkerCap(enforce)
	}
	if so, err := mapSink(next); err != nil {
		a.log.Warn("invalid progress config; keeping previous", logx.Err(err))
	} else {
		a.sink.Apply(so)
	}
	a.sched.Apply(mapScheduler(next))
	a.ops.Reconfigure(ctx, mapOps(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	// Runs finish first so their reports reach the chat before the adapter stops.
	shutdown := 30 * time.Second
	if es, err := a.cfgm.Get().Engine.Resolve(); err == nil {
		shutdown = es.ShutdownTimeout
	}
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", shutdown, a.engine.Shutdown)

	a.sup.Cancel()
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		if err != nil && !errors.Is(err, context.Canceled) {
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
