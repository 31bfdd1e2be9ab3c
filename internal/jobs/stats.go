package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kronk/taskengine/internal/events"
	"github.com/kronk/taskengine/internal/task"
)

// StatsSource reports an engine snapshot.
type StatsSource interface {
	Stats(ctx context.Context) (task.Stats, error)
}

// StatsSnapshot is what live connections receive. Cumulative outcome
// counters are left out; they are exported as metrics.
type StatsSnapshot struct {
	Pending   int      `json:"pending"`
	Leased    int      `json:"leased"`
	Workers   int      `json:"workers"`
	InFlight  int64    `json:"in_flight"`
	TaskTypes []string `json:"task_types"`
}

// BroadcastResult is the broadcast_stats output.
type BroadcastResult struct {
	Broadcast bool          `json:"broadcast"`
	Snapshot  StatsSnapshot `json:"snapshot"`
}

// StatsBroadcaster emits a stats event when the snapshot differs from the
// last one it emitted.
type StatsBroadcaster struct {
	source  StatsSource
	emitter events.EventEmitter
	logger  *slog.Logger

	mu   sync.Mutex
	last []byte
}

// NewStatsBroadcaster creates a StatsBroadcaster.
func NewStatsBroadcaster(source StatsSource, emitter events.EventEmitter, logger *slog.Logger) *StatsBroadcaster {
	return &StatsBroadcaster{
		source:  source,
		emitter: emitter,
		logger:  logger.With("component", "broadcast_stats"),
	}
}

// Handler returns the task handler.
func (b *StatsBroadcaster) Handler() task.Handler {
	return task.HandlerFunc(func(ctx context.Context, exec *task.Execution) (any, error) {
		return b.Broadcast(ctx)
	})
}

// Broadcast takes a snapshot and emits it if it changed.
func (b *StatsBroadcaster) Broadcast(ctx context.Context) (*BroadcastResult, error) {
	stats, err := b.source.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect stats: %w", err)
	}

	snapshot := StatsSnapshot{
		Pending:   stats.Queue.Pending,
		Leased:    stats.Queue.Leased,
		Workers:   stats.Pool.Workers,
		InFlight:  stats.Pool.InFlight,
		TaskTypes: stats.TaskTypes,
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return nil, task.Permanent(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if bytes.Equal(encoded, b.last) {
		b.logger.Debug("stats unchanged, skipping broadcast")
		return &BroadcastResult{Snapshot: snapshot}, nil
	}

	event, err := events.NewStatsEvent(snapshot)
	if err != nil {
		return nil, task.Permanent(err)
	}
	if err := b.emitter.EmitEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("emit stats: %w", err)
	}

	b.last = encoded
	b.logger.Debug("stats broadcast", "pending", snapshot.Pending, "in_flight", snapshot.InFlight)
	return &BroadcastResult{Broadcast: true, Snapshot: snapshot}, nil
}
