package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kronk/taskengine/internal/config"
	"github.com/kronk/taskengine/internal/events"
	"github.com/kronk/taskengine/internal/jobs"
	"github.com/kronk/taskengine/internal/notify"
	"github.com/kronk/taskengine/internal/platform/objectstore"
	"github.com/kronk/taskengine/internal/task"
)

// application holds the long-lived components and releases them on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	backend   *backend
	emitter   *events.InMemoryEventEmitter
	hub       *notify.Hub
	engine    *task.Engine
	scheduler *task.Scheduler
}

// newApplication wires stores, events, handlers and the engine. Nothing is
// started until Run.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
	}

	var err error
	app.backend, err = openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Queue.Backend, err)
	}

	app.hub = notify.NewHub(notify.HubConfig{BufferSize: cfg.Notify.BufferSize}, logger)
	app.emitter = events.NewInMemoryEventEmitter(logger)
	app.emitter.RegisterHandler(notify.NewForwarder(app.hub))

	registry := task.NewRegistry()
	app.engine = task.NewEngine(
		app.backend.queue,
		app.backend.results,
		registry,
		app.emitter,
		engineConfig(cfg),
		logger,
	)

	deps := jobs.Deps{
		Stats:    app.engine,
		Emitter:  app.emitter,
		Logger:   logger,
		Defaults: defaultRetryPolicy(cfg.Worker),
	}
	if cfg.ObjectStore.Endpoint != "" {
		objects, err := objectstore.New(cfg.ObjectStore, logger)
		if err != nil {
			app.cleanup()
			return nil, fmt.Errorf("failed to create object store client: %w", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			app.cleanup()
			return nil, fmt.Errorf("failed to prepare bucket %s: %w", objects.Bucket(), err)
		}
		deps.Objects = objects
	}
	if cfg.Email.APIToken != "" {
		sender, err := jobs.NewEmailSender(cfg.Email, &http.Client{Timeout: cfg.Email.Timeout}, logger)
		if err != nil {
			app.cleanup()
			return nil, fmt.Errorf("failed to create email sender: %w", err)
		}
		deps.Email = sender
	}

	names, err := jobs.Register(registry, deps)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to register task types: %w", err)
	}

	app.scheduler = task.NewScheduler(app.engine, logger)
	if cfg.Schedule.StatsInterval > 0 {
		if err := app.scheduler.Add(task.Schedule{
			TaskType:  jobs.TypeBroadcastStats,
			Principal: task.SystemPrincipal,
			Interval:  cfg.Schedule.StatsInterval,
		}); err != nil {
			app.cleanup()
			return nil, fmt.Errorf("failed to schedule %s: %w", jobs.TypeBroadcastStats, err)
		}
	}

	logger.Info("application initialized", "task_types", names)
	return app, nil
}

func engineConfig(cfg *config.Config) task.EngineConfig {
	return task.EngineConfig{
		Pool: task.WorkerPoolConfig{
			WorkerCount:       cfg.Worker.Count,
			LeaseDuration:     cfg.Queue.LeaseDuration,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			PollInterval:      cfg.Worker.PollInterval,
			MaxPollInterval:   cfg.Worker.MaxPollInterval,
		},
		ScanInterval: cfg.Queue.ScanInterval,
		ResultTTL:    cfg.Queue.ResultTTL,
	}
}

func defaultRetryPolicy(w config.WorkerConfig) task.RetryPolicy {
	return task.RetryPolicy{
		MaxRetries: w.MaxRetries,
		Timeout:    w.Timeout,
		Backoff: task.Backoff{
			Base:   w.BackoffBase,
			Max:    w.BackoffMax,
			Factor: task.DefaultBackoffScale,
			Jitter: w.BackoffJitter,
		},
	}
}

// start launches the engine and the scheduler. They outlive ctx and are
// halted by stop so running tasks can drain.
func (app *application) start(ctx context.Context) error {
	runCtx := context.WithoutCancel(ctx)
	if err := app.engine.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start task engine: %w", err)
	}
	app.scheduler.Start(runCtx)
	return nil
}

// Run serves HTTP until ctx is cancelled, then shuts everything down.
func (app *application) Run(ctx context.Context) error {
	if err := app.start(ctx); err != nil {
		app.cleanup()
		return err
	}

	if err := app.startHTTPServer(ctx, app.setupRouter()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// stop halts scheduling and waits for in-flight tasks up to the shutdown timeout.
func (app *application) stop(ctx context.Context) {
	if app.scheduler != nil {
		app.scheduler.Stop()
	}
	if app.engine != nil {
		if err := app.engine.Stop(ctx); err != nil {
			app.logger.Warn("task engine did not stop cleanly", "error", err)
		}
	}
}

// cleanup releases connections. It runs after stop.
func (app *application) cleanup() {
	if app.hub != nil {
		app.hub.Close()
	}
	if app.backend != nil {
		if err := app.backend.close(); err != nil {
			app.logger.Error("error closing backend", "error", err)
		}
	}
	app.logger.Info("application shutdown completed")
}
