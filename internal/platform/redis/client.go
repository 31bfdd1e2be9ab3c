package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kronk/taskengine/internal/config"
)

// Open creates a client for cfg and verifies it with PING.
func Open(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connection established", "addr", cfg.Addr, "db", cfg.DB)
	return rdb, nil
}

// keys builds the key names under a common prefix.
type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = "taskengine"
	}
	return keys{prefix: prefix + ":"}
}

func (k keys) task(id string) string   { return k.prefix + "task:" + id }
func (k keys) taskPrefix() string      { return k.prefix + "task:" }
func (k keys) ready() string           { return k.prefix + "ready" }
func (k keys) leased() string          { return k.prefix + "leased" }
func (k keys) result(id string) string { return k.prefix + "result:" + id }
