package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kronk/taskengine/internal/events"
	"github.com/kronk/taskengine/internal/metrics"
)

// EngineConfig holds configuration for the engine
type EngineConfig struct {
	// Pool configures the worker slots
	Pool WorkerPoolConfig

	// ScanInterval defines how often expired leases are reclaimed
	// If zero, defaults to 5 seconds
	ScanInterval time.Duration

	// ResultTTL is how long terminal results are kept. Zero keeps them forever.
	ResultTTL time.Duration
}

// DefaultEngineConfig returns an EngineConfig with reasonable defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Pool:         DefaultWorkerPoolConfig(),
		ScanInterval: 5 * time.Second,
		ResultTTL:    10 * time.Minute,
	}
}

// Stats is a snapshot of the engine.
type Stats struct {
	Queue     QueueStats `json:"queue"`
	Pool      PoolStats  `json:"pool"`
	TaskTypes []string   `json:"task_types"`
}

// Engine is the producer-facing entry point. It validates and enqueues
// tasks, answers status queries, and runs the worker pool and the lease reaper.
type Engine struct {
	queue    QueueStore
	results  ResultStore
	registry *Registry
	emitter  events.EventEmitter
	pool     *WorkerPool
	reaper   *Reaper
	config   EngineConfig
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewEngine wires the engine's components. A nil emitter discards events.
func NewEngine(
	queue QueueStore,
	results ResultStore,
	registry *Registry,
	emitter events.EventEmitter,
	config EngineConfig,
	logger *slog.Logger,
) *Engine {
	if config.ScanInterval <= 0 {
		config.ScanInterval = 5 * time.Second
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}

	return &Engine{
		queue:    queue,
		results:  results,
		registry: registry,
		emitter:  emitter,
		pool:     NewWorkerPool(queue, results, registry, emitter, config.Pool, logger),
		reaper:   NewReaper(queue, results, config.ScanInterval, config.ResultTTL, logger),
		config:   config,
		logger:   logger.With("component", "task_engine"),
	}
}

// Registry returns the registry the engine resolves handlers from.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// IsPublic reports whether clients may enqueue taskType.
func (e *Engine) IsPublic(taskType string) bool {
	return e.registry.Public(taskType)
}

// Enqueue submits a task for immediate execution and returns its id.
// payload is JSON-encoded unless it already is a json.RawMessage.
func (e *Engine) Enqueue(ctx context.Context, taskType string, payload any, principal string) (uuid.UUID, error) {
	return e.EnqueueIn(ctx, taskType, payload, principal, 0)
}

// EnqueueIn submits a task that becomes claimable after delay.
func (e *Engine) EnqueueIn(ctx context.Context, taskType string, payload any, principal string, delay time.Duration) (uuid.UUID, error) {
	entry, err := e.registry.Resolve(taskType)
	if err != nil {
		return uuid.Nil, err
	}

	data, err := encodePayload(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate task id: %w", err)
	}

	now := time.Now().UTC()
	d := &Descriptor{
		ID:          id,
		Type:        taskType,
		Payload:     data,
		Principal:   principal,
		EnqueuedAt:  now,
		AvailableAt: now.Add(delay),
		MaxRetries:  entry.Policy.MaxRetries,
	}

	logger := e.logger.With("task_id", id, "task_type", taskType)

	// The pending record precedes the queue write so a fast worker never races it.
	pending := ResultRecord{
		TaskID:    id,
		TaskType:  taskType,
		Principal: principal,
		State:     StatePending,
		UpdatedAt: now,
	}
	if err := e.results.Record(ctx, pending); err != nil {
		return uuid.Nil, fmt.Errorf("record pending %s: %w", taskType, err)
	}
	emitState(ctx, e.emitter, pending, logger)

	if _, err := e.queue.Enqueue(ctx, d); err != nil {
		metrics.QueueStoreErrorsTotal.WithLabelValues("enqueue").Inc()
		failed := pending
		failed.State = StateAbandoned
		failed.UpdatedAt = time.Time{}
		failed.Error = &TaskError{Kind: KindEnqueueFailed, Message: err.Error()}
		recordAndEmit(ctx, e.results, e.emitter, failed, logger)
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	metrics.TasksEnqueuedTotal.WithLabelValues(taskType).Inc()

	if delay <= 0 {
		e.pool.Notify()
	}
	logger.Debug("task enqueued", "delay", delay)
	return id, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// GetStatus returns the latest result record for id.
func (e *Engine) GetStatus(ctx context.Context, id uuid.UUID) (*ResultRecord, error) {
	rec, err := e.results.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get status of %s: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Cancel stops a task. A pending task becomes cancelled immediately; a
// running task is asked to stop through its context and is finalized by its
// worker. Cancelling a finished task returns ErrResultFinal.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	logger := e.logger.With("task_id", id)

	outcome, err := e.queue.Cancel(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if rec, getErr := e.results.Get(ctx, id); getErr == nil && rec != nil && rec.State.IsTerminal() {
				return fmt.Errorf("%w: %s is %s", ErrResultFinal, id, rec.State)
			}
		}
		return err
	}

	switch outcome {
	case CancelRemoved:
		rec := ResultRecord{TaskID: id, State: StateCancelled, Error: NewTaskError(ErrCancelled)}
		if existing, getErr := e.results.Get(ctx, id); getErr == nil && existing != nil {
			rec.TaskType = existing.TaskType
			rec.Principal = existing.Principal
			rec.RetryCount = existing.RetryCount
			rec.Attempts = existing.Attempts
		}
		recordAndEmit(ctx, e.results, e.emitter, rec, logger)
		e.pool.count(StateCancelled)
		logger.Info("pending task cancelled")
	case CancelFlagged:
		logger.Info("cancellation requested for leased task")
	}
	return nil
}

// Start seals the registry and starts the worker pool and the reaper.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New("task engine already started")
	}

	e.registry.Seal()
	e.logger.Info("starting task engine", "task_types", e.registry.Names())

	if err := e.pool.Start(ctx); err != nil {
		return err
	}
	e.reaper.Start(ctx)
	e.started = true
	return nil
}

// Stop halts claiming and waits for in-flight tasks until ctx is done.
// Tasks still running when ctx expires keep their lease until it lapses.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	e.reaper.Stop()

	done := make(chan struct{})
	go func() {
		e.pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("task engine stopped")
		return nil
	case <-ctx.Done():
		e.logger.Warn("task engine stop timed out; running leases will expire")
		return ctx.Err()
	}
}

// Stats returns a snapshot of queue depth, pool counters and task types.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Pool:      e.pool.Stats(),
		TaskTypes: e.registry.Names(),
	}
	if inspector, ok := e.queue.(QueueInspector); ok {
		q, err := inspector.Stats(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("queue stats: %w", err)
		}
		stats.Queue = q
	}
	return stats, nil
}
