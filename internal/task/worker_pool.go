package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kronk/taskengine/internal/events"
	"github.com/kronk/taskengine/internal/metrics"
	applog "github.com/kronk/taskengine/internal/platform/logger"
)

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker slots to start
	// If zero or negative, defaults to 1
	WorkerCount int

	// LeaseDuration is how long a claim stays valid without a heartbeat
	LeaseDuration time.Duration

	// HeartbeatInterval is how often a running task's lease is extended.
	// Zero disables heartbeats; cancellation of running tasks is then only
	// observed after the handler returns.
	HeartbeatInterval time.Duration

	// PollInterval is the first idle wait after an empty claim
	PollInterval time.Duration

	// MaxPollInterval caps the doubling idle wait
	MaxPollInterval time.Duration

	// WorkerIDPrefix namespaces worker ids; must be unique per process
	WorkerIDPrefix string
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount:       2,
		LeaseDuration:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		PollInterval:      100 * time.Millisecond,
		MaxPollInterval:   2 * time.Second,
	}
}

// PoolStats counts finalized attempts since the pool was created.
type PoolStats struct {
	Workers   int   `json:"workers"`
	InFlight  int64 `json:"in_flight"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Abandoned int64 `json:"abandoned"`
	Cancelled int64 `json:"cancelled"`
}

// WorkerPool runs a fixed number of worker slots. Each slot claims a task,
// resolves its handler, executes it under the task type's budget and
// finalizes the attempt through the queue and result stores.
type WorkerPool struct {
	// queue is the source of claimable tasks
	queue QueueStore

	// results receives a record for every state transition
	results ResultStore

	// registry resolves task types to handlers
	registry *Registry

	// emitter announces transitions and progress
	emitter events.EventEmitter

	config WorkerPoolConfig

	// wg tracks active worker goroutines for clean shutdown
	wg sync.WaitGroup

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool

	// wake lets producers in this process cut an idle wait short
	wake chan struct{}

	inFlight  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
	cancelled atomic.Int64

	// logger for structured logging
	logger *slog.Logger
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(
	queue QueueStore,
	results ResultStore,
	registry *Registry,
	emitter events.EventEmitter,
	config WorkerPoolConfig,
	logger *slog.Logger,
) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaults.LeaseDuration
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = config.PollInterval
	}
	if config.WorkerIDPrefix == "" {
		config.WorkerIDPrefix = "worker-" + uuid.NewString()[:8]
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}

	return &WorkerPool{
		queue:    queue,
		results:  results,
		registry: registry,
		emitter:  emitter,
		config:   config,
		wake:     make(chan struct{}, config.WorkerCount),
		logger:   logger.With("component", "worker_pool"),
	}
}

// Start launches the worker slots. They run until ctx is cancelled or Stop is called.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("worker pool already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.logger.Info("starting worker pool",
		"worker_count", p.config.WorkerCount,
		"lease_duration", p.config.LeaseDuration)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-%d", p.config.WorkerIDPrefix, i+1)
		p.wg.Add(1)
		go p.runWorker(loopCtx, workerID)
	}
	return nil
}

// Stop prevents further claims and waits for in-flight tasks to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.logger.Info("stopping worker pool, waiting for in-flight tasks")
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Notify wakes an idle slot. It never blocks.
func (p *WorkerPool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stats returns the pool's counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.config.WorkerCount,
		InFlight:  p.inFlight.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Abandoned: p.abandoned.Load(),
		Cancelled: p.cancelled.Load(),
	}
}

func (p *WorkerPool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", workerID)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	idle := p.config.PollInterval
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := p.processNext(ctx, workerID, logger)
		if err != nil {
			logger.Error("failed to claim task", "error", err)
		}
		if claimed {
			idle = p.config.PollInterval
			continue
		}

		timer := time.NewTimer(idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.wake:
			timer.Stop()
			idle = p.config.PollInterval
		case <-timer.C:
			idle *= 2
			if idle > p.config.MaxPollInterval {
				idle = p.config.MaxPollInterval
			}
		}
	}
}

// processNext claims and runs at most one task. It reports whether a task was claimed.
func (p *WorkerPool) processNext(ctx context.Context, workerID string, logger *slog.Logger) (bool, error) {
	d, err := p.queue.Claim(ctx, workerID, p.config.LeaseDuration)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		metrics.QueueStoreErrorsTotal.WithLabelValues("claim").Inc()
		return false, err
	}
	if d == nil {
		return false, nil
	}

	// A claimed task is always finalized, even during shutdown.
	p.handle(context.WithoutCancel(ctx), workerID, d, logger)
	return true, nil
}

func (p *WorkerPool) handle(ctx context.Context, workerID string, d *Descriptor, logger *slog.Logger) {
	logger = logger.With(
		"task_id", d.ID,
		"task_type", d.Type,
		"attempt", d.Attempts)

	if d.CancelRequested {
		logger.Info("skipping cancelled task")
		p.finish(ctx, workerID, d, DefaultRetryPolicy(), runResult{err: ErrCancelled}, logger)
		return
	}

	entry, err := p.registry.Resolve(d.Type)
	if err != nil {
		logger.Error("no handler registered for task type")
		p.finish(ctx, workerID, d, DefaultRetryPolicy(), runResult{err: err}, logger)
		return
	}

	p.record(ctx, ResultRecord{
		TaskID:     d.ID,
		TaskType:   d.Type,
		Principal:  d.Principal,
		State:      StateLeased,
		RetryCount: d.RetryCount,
		Attempts:   d.Attempts,
	}, logger)

	logger.Debug("executing task")
	res := p.execute(ctx, workerID, d, entry, logger)
	p.finish(ctx, workerID, d, entry.Policy, res, logger)
}

type runResult struct {
	output    any
	err       error
	leaseLost bool
}

func (p *WorkerPool) execute(ctx context.Context, workerID string, d *Descriptor, entry *Entry, logger *slog.Logger) runResult {
	execCtx, cancelExec := context.WithCancelCause(ctx)
	defer cancelExec(nil)

	runCtx, cancelTimeout := context.WithTimeoutCause(execCtx, entry.Policy.Timeout, ErrTimeout)
	defer cancelTimeout()
	runCtx = applog.WithLogger(runCtx, logger)

	stopHeartbeat := p.heartbeat(ctx, cancelExec, workerID, d, logger)
	defer stopHeartbeat()

	exec := newExecution(d, func(percent int, message string) {
		p.emitProgress(ctx, d, percent, message, logger)
	})

	done := make(chan runResult, 1)
	start := time.Now()
	p.inFlight.Add(1)
	metrics.TasksInFlight.Inc()
	defer func() {
		p.inFlight.Add(-1)
		metrics.TasksInFlight.Dec()
		metrics.TaskDurationSeconds.WithLabelValues(d.Type).Observe(time.Since(start).Seconds())
	}()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("task handler panicked",
					"panic", r,
					"stack", string(debug.Stack()))
				done <- runResult{err: &panicError{value: r}}
			}
		}()
		output, err := entry.Handler.Handle(runCtx, exec)
		done <- runResult{output: output, err: err}
	}()

	// runCtx may end early with a cancel or lease-loss cause; the wait for the
	// handler stays bounded by the budget either way.
	budget := time.NewTimer(entry.Policy.Timeout)
	defer budget.Stop()

	var res runResult
	select {
	case res = <-done:
	case <-budget.C:
		// The handler keeps its goroutine but its result is discarded.
		logger.Warn("task exceeded execution budget", "timeout", entry.Policy.Timeout)
		res = runResult{err: ErrTimeout}
	}

	cause := context.Cause(runCtx)
	switch {
	case errors.Is(cause, ErrLeaseLost):
		res.leaseLost = true
	case res.err != nil && errors.Is(cause, ErrCancelled) && !errors.Is(res.err, ErrCancelled):
		res.err = fmt.Errorf("%w: %w", ErrCancelled, res.err)
	case res.err != nil && errors.Is(cause, ErrTimeout) && !errors.Is(res.err, ErrTimeout):
		res.err = fmt.Errorf("%w: %w", ErrTimeout, res.err)
	}
	return res
}

// heartbeat extends the lease until the returned stop function is called and
// turns a producer's cancellation or a lost lease into a cancellation cause
// on the handler's context. The lease keeps being extended after a
// cancellation so an uncooperative handler is not redelivered.
func (p *WorkerPool) heartbeat(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	workerID string,
	d *Descriptor,
	logger *slog.Logger,
) func() {
	if p.config.HeartbeatInterval <= 0 {
		return func() {}
	}

	hbCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		cancelled := false
		ticker := time.NewTicker(p.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				lease, err := p.queue.ExtendLease(hbCtx, d.ID, workerID, p.config.LeaseDuration)
				if err != nil {
					if hbCtx.Err() != nil {
						return
					}
					if errors.Is(err, ErrNotFound) {
						logger.Warn("lease lost while task was running", "error", err)
						cancel(ErrLeaseLost)
						return
					}
					metrics.QueueStoreErrorsTotal.WithLabelValues("extend_lease").Inc()
					logger.Warn("failed to extend lease", "error", err)
					continue
				}
				if lease.CancelRequested && !cancelled {
					logger.Info("cancellation requested for running task")
					cancel(ErrCancelled)
					cancelled = true
				}
			}
		}
	}()

	return func() {
		stop()
		<-done
	}
}

func (p *WorkerPool) finish(
	ctx context.Context,
	workerID string,
	d *Descriptor,
	policy RetryPolicy,
	res runResult,
	logger *slog.Logger,
) {
	if res.leaseLost {
		logger.Warn("abandoning attempt after lease loss; another worker owns the task")
		return
	}

	var output json.RawMessage
	runErr := res.err
	if runErr == nil && res.output != nil {
		data, err := json.Marshal(res.output)
		if err != nil {
			runErr = Permanent(fmt.Errorf("encode task output: %w", err))
		} else {
			output = data
		}
	}

	var failure error
	if runErr != nil {
		failure = &HandlerError{TaskType: d.Type, Attempt: d.Attempts, Err: runErr}
	}
	// The ceiling captured at enqueue time wins over the registered policy.
	policy.MaxRetries = d.MaxRetries
	decision := Decide(policy, d.RetryCount, failure)

	var opErr error
	switch decision.State {
	case StateSucceeded, StateCancelled:
		opErr = p.queue.Ack(ctx, d.ID, workerID)
	case StateFailed:
		opErr = p.queue.Nack(ctx, d.ID, workerID, NackOptions{Requeue: true, Delay: decision.Delay})
	default:
		opErr = p.queue.Nack(ctx, d.ID, workerID, NackOptions{Requeue: false})
	}
	if opErr != nil {
		if errors.Is(opErr, ErrNotFound) {
			logger.Warn("lease lost before task could be finalized",
				"state", decision.State,
				"error", opErr)
			return
		}
		metrics.QueueStoreErrorsTotal.WithLabelValues("finalize").Inc()
		logger.Error("failed to finalize task; lease will expire",
			"state", decision.State,
			"error", opErr)
		return
	}

	rec := ResultRecord{
		TaskID:     d.ID,
		TaskType:   d.Type,
		Principal:  d.Principal,
		State:      decision.State,
		Output:     output,
		Error:      NewTaskError(failure),
		RetryCount: decision.RetryCount,
		Attempts:   d.Attempts,
	}
	p.record(ctx, rec, logger)
	p.count(decision.State)
	metrics.TaskExecutionsTotal.WithLabelValues(d.Type, string(decision.State)).Inc()

	switch decision.State {
	case StateSucceeded:
		logger.Info("task succeeded")
	case StateFailed:
		logger.Warn("task failed, will retry",
			"error", failure,
			"retry_count", decision.RetryCount,
			"delay", decision.Delay)
	case StateCancelled:
		logger.Info("task cancelled")
	default:
		logger.Error("task abandoned",
			"error", failure,
			"error_kind", decision.ErrorKind,
			"retry_count", decision.RetryCount)
	}
}

func (p *WorkerPool) count(state State) {
	switch state {
	case StateSucceeded:
		p.succeeded.Add(1)
	case StateFailed:
		p.failed.Add(1)
	case StateAbandoned:
		p.abandoned.Add(1)
	case StateCancelled:
		p.cancelled.Add(1)
	}
}

// record stores rec and announces it. Failures are logged, never returned.
func (p *WorkerPool) record(ctx context.Context, rec ResultRecord, logger *slog.Logger) {
	recordAndEmit(ctx, p.results, p.emitter, rec, logger)
}

func (p *WorkerPool) emitProgress(ctx context.Context, d *Descriptor, percent int, message string, logger *slog.Logger) {
	event := events.NewTaskEvent(events.KindProgress, d.ID, d.Type, d.Principal)
	event.State = string(StateLeased)
	event.Attempt = d.Attempts
	event.Progress = percent
	event.Message = message
	if err := p.emitter.EmitEvent(ctx, event); err != nil {
		logger.Debug("failed to emit progress event", "error", err)
	}
}

func recordAndEmit(ctx context.Context, results ResultStore, emitter events.EventEmitter, rec ResultRecord, logger *slog.Logger) {
	if err := results.Record(ctx, rec); err != nil {
		if errors.Is(err, ErrResultFinal) {
			logger.Warn("result already final, skipping write", "state", rec.State)
			return
		}
		logger.Error("failed to record task result", "state", rec.State, "error", err)
	}
	emitState(ctx, emitter, rec, logger)
}

func emitState(ctx context.Context, emitter events.EventEmitter, rec ResultRecord, logger *slog.Logger) {
	event := events.NewTaskEvent(events.KindState, rec.TaskID, rec.TaskType, rec.Principal)
	event.State = string(rec.State)
	event.Attempt = rec.Attempts
	event.Data = rec.Output
	if rec.Error != nil {
		event.Error = rec.Error.Message
	}
	if err := emitter.EmitEvent(ctx, event); err != nil {
		logger.Debug("failed to emit task event", "error", err)
	}
}
