package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kronk/taskengine/internal/config"
	"github.com/kronk/taskengine/internal/platform/postgres"
	"github.com/kronk/taskengine/internal/platform/redis"
	"github.com/kronk/taskengine/internal/task"
)

// backend is the queue and result store pair selected by queue.backend.
type backend struct {
	queue   task.QueueStore
	results task.ResultStore
	close   func() error
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Queue.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory queue; tasks do not survive a restart")
		return &backend{
			queue:   task.NewMemoryQueueStore(),
			results: task.NewMemoryResultStore(),
			close:   func() error { return nil },
		}, nil

	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db, postgres.MigrateUp, logger); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{
			queue:   postgres.NewQueueStore(db, logger),
			results: postgres.NewResultStore(db, logger),
			close:   db.Close,
		}, nil

	case config.BackendRedis:
		rdb, err := redis.Open(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return &backend{
			queue:   redis.NewQueueStore(rdb, cfg.Redis.KeyPrefix, logger),
			results: redis.NewResultStore(rdb, cfg.Redis.KeyPrefix, cfg.Queue.ResultTTL, logger),
			close:   rdb.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}
