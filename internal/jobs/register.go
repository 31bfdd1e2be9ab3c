package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kronk/taskengine/internal/events"
	applog "github.com/kronk/taskengine/internal/platform/logger"
	"github.com/kronk/taskengine/internal/task"
)

// Task type names.
const (
	TypeResizeImage    = "resize_image"
	TypeSendEmail      = "send_email"
	TypeBroadcastStats = "broadcast_stats"
)

// internalTypes are enqueued only by the service: send_email by account
// flows, broadcast_stats by the scheduler.
var internalTypes = map[string]struct{}{
	TypeSendEmail:      {},
	TypeBroadcastStats: {},
}

// Deps holds the collaborators of the built-in handlers. A handler whose
// dependency is nil is not registered.
type Deps struct {
	Objects ObjectStore
	Email   *EmailSender
	Stats   StatsSource
	Emitter events.EventEmitter
	Logger  *slog.Logger

	// Defaults is the configured retry policy; resize_image follows it
	Defaults task.RetryPolicy
}

// minResizeTimeout keeps large images from timing out under a short default budget.
const minResizeTimeout = 2 * time.Minute

// Policies returns the retry policy of each built-in task type.
func Policies(defaults task.RetryPolicy) map[string]task.RetryPolicy {
	resize := defaults
	if resize.Timeout < minResizeTimeout {
		resize.Timeout = minResizeTimeout
	}
	return map[string]task.RetryPolicy{
		TypeResizeImage: resize,
		TypeSendEmail: {
			MaxRetries: 5,
			Timeout:    30 * time.Second,
			Backoff:    task.Backoff{Base: 2 * time.Second, Max: 5 * time.Minute, Factor: 2, Jitter: time.Second},
		},
		TypeBroadcastStats: {
			MaxRetries: 0,
			Timeout:    10 * time.Second,
		},
	}
}

// Register adds every handler whose dependencies are present and returns
// the registered names.
func Register(registry *task.Registry, deps Deps) ([]string, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policies := Policies(deps.Defaults)

	var registered []string
	add := func(name string, handler task.Handler) error {
		register := registry.Register
		if _, ok := internalTypes[name]; ok {
			register = registry.RegisterInternal
		}
		if err := register(name, handler, policies[name]); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		registered = append(registered, name)
		return nil
	}

	if deps.Objects != nil {
		if err := add(TypeResizeImage, NewImageResizer(deps.Objects, logger).Handler()); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("object store not configured, skipping task type", "task_type", TypeResizeImage)
	}

	if deps.Email != nil {
		if err := add(TypeSendEmail, deps.Email.Handler()); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("email api not configured, skipping task type", "task_type", TypeSendEmail)
	}

	if deps.Stats != nil && deps.Emitter != nil {
		if err := add(TypeBroadcastStats, NewStatsBroadcaster(deps.Stats, deps.Emitter, logger).Handler()); err != nil {
			return nil, err
		}
	}

	return registered, nil
}

// taskLogger prefers the worker's logger from ctx, which already carries the
// task id, type and attempt.
func taskLogger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l := applog.FromContext(ctx); l != nil {
		return l
	}
	return fallback
}
