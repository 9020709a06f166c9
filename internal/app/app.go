// Package app wires configuration, storage, circuit breakers, the scheduler
// and the runner service into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"io"
	"sync"

	"drivetrain/internal/breaker"
	"drivetrain/internal/config"
	"drivetrain/internal/job"
	"drivetrain/internal/runner"
	"drivetrain/internal/scheduler"
	"drivetrain/internal/store"
	logx "drivetrain/pkg/logx"
)

type App struct {
	cfgm      *config.Manager
	log       logx.Logger
	logCloser io.Closer

	store    store.Store
	breakers *breaker.Registry
	exec     *breaker.Executor
	tasks    *job.Registry
	sched    *scheduler.Scheduler
	runner   *runner.Runner
	runSvc   *runner.Service

	mu          sync.Mutex
	watchCancel context.CancelFunc
	wg          sync.WaitGroup
}

// Option customizes runner collaborators before wiring completes.
type Option func(*options)

type options struct {
	runnerOpts []runner.Option
}

func WithNotifier(n runner.Notifier) Option {
	return func(o *options) { o.runnerOpts = append(o.runnerOpts, runner.WithNotifier(n)) }
}

func WithSink(s runner.Sink) Option {
	return func(o *options) { o.runnerOpts = append(o.runnerOpts, runner.WithSink(s)) }
}

// New loads the config file and builds the full component graph. The store
// connection is opened here so a misconfigured process fails fast.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "app"))

	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, closer, err := logx.New(cfg.LogSettings())
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	breakerCfg, err := cfg.BreakerSettings()
	if err != nil {
		return nil, err
	}
	breakers := breaker.NewRegistry(breakerCfg, log.With(logx.String("comp", "breaker")))
	exec := breaker.NewExecutor(breakers, log.With(logx.String("comp", "breaker")))

	tasks := job.NewRegistry()
	sched := scheduler.New(st, log.With(logx.String("comp", "scheduler")))

	runnerCfg, err := cfg.RunnerSettings()
	if err != nil {
		return nil, err
	}
	run := runner.New(runnerCfg, st, tasks, sched, log.With(logx.String("comp", "runner")), o.runnerOpts...)

	svcCfg, err := cfg.RunnerServiceSettings()
	if err != nil {
		return nil, err
	}
	runSvc := runner.NewService(svcCfg, run, log.With(logx.String("comp", "runner")))

	return &App{
		cfgm:      cfgm,
		log:       log,
		logCloser: closer,
		store:     st,
		breakers:  breakers,
		exec:      exec,
		tasks:     tasks,
		sched:     sched,
		runner:    run,
		runSvc:    runSvc,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, log logx.Logger) (store.Store, error) {
	slog := log.With(logx.String("comp", "store"))
	switch driver := cfg.StoreDriver(); driver {
	case "sqlite":
		sc, err := cfg.SQLiteSettings()
		if err != nil {
			return nil, err
		}
		return store.OpenSQLite(sc, slog)
	case "postgres":
		return store.OpenPostgres(ctx, cfg.Store.DSN)
	case "memory":
		slog.Warn("using in-memory job store; jobs will not survive restart")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// Accessors for task registration and embedding.
func (a *App) Tasks() *job.Registry            { return a.tasks }
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Executor() *breaker.Executor     { return a.exec }
func (a *App) Breakers() *breaker.Registry     { return a.breakers }
func (a *App) Runner() *runner.Runner          { return a.runner }

// Start launches the runner service and the config watcher. Reloaded config
// is applied to the runner service; store and logging changes need a restart.
func (a *App) Start(ctx context.Context) error {
	a.runSvc.Start(ctx)

	wctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.watchCancel = cancel
	a.mu.Unlock()

	updates := a.cfgm.Subscribe(1)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(wctx); err != nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-wctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(wctx, cfg)
			}
		}
	}()

	a.log.Info("started",
		logx.String("store", a.cfgm.Get().StoreDriver()),
		logx.Int("task_types", len(a.tasks.Types())),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	svcCfg, err := cfg.RunnerServiceSettings()
	if err != nil {
		a.log.Warn("reloaded config rejected", logx.Err(err))
		return
	}
	a.runSvc.Apply(ctx, svcCfg)
}

// Stop halts the service and watcher and closes the store and log sinks.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.watchCancel
	a.watchCancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	a.runSvc.Stop(ctx)
	a.wg.Wait()

	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = err
		}
	}
	a.log.Info("stopped")
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
	return firstErr
}
