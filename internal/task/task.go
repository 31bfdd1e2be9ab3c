package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of a task
type State string

const (
	// StatePending indicates the task is waiting to be claimed
	StatePending State = "pending"

	// StateLeased indicates a worker holds a lease on the task and is executing it
	StateLeased State = "leased"

	// StateSucceeded indicates the handler completed successfully
	StateSucceeded State = "succeeded"

	// StateFailed indicates the last attempt failed; the task may still be retried
	StateFailed State = "failed"

	// StateAbandoned indicates the task failed and will not be retried
	StateAbandoned State = "abandoned"

	// StateCancelled indicates the producer cancelled the task
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateAbandoned, StateCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateLeased, StateSucceeded, StateFailed, StateAbandoned, StateCancelled:
		return true
	default:
		return false
	}
}

// Descriptor is a single task invocation as held by a QueueStore.
type Descriptor struct {
	// ID is assigned at enqueue time and never reused
	ID uuid.UUID

	// Type is the registered task-type name
	Type string

	// Payload is the JSON-encoded handler argument
	Payload json.RawMessage

	// Principal identifies the user or session that owns the task
	Principal string

	// EnqueuedAt is when the producer submitted the task
	EnqueuedAt time.Time

	// AvailableAt is the earliest time the task may be claimed
	AvailableAt time.Time

	// RetryCount is the number of failed attempts that were requeued
	RetryCount int

	// MaxRetries is the retry ceiling captured from the policy at enqueue time
	MaxRetries int

	// Attempts counts claims, including those whose lease expired
	Attempts int

	// State is either StatePending or StateLeased while the task is queued
	State State

	// LeaseOwner is the worker id holding the lease
	LeaseOwner string

	// LeaseDeadline is when the current lease expires
	LeaseDeadline time.Time

	// CancelRequested is set when a producer cancels a leased task
	CancelRequested bool
}

// Clone returns a deep copy of the descriptor.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	if d.Payload != nil {
		c.Payload = append(json.RawMessage(nil), d.Payload...)
	}
	return &c
}

// Validate checks the fields a producer must supply.
func (d *Descriptor) Validate() error {
	if d == nil {
		return ErrInvalidDescriptor
	}
	if d.Type == "" {
		return wrapInvalid("task type is required")
	}
	if d.MaxRetries < 0 {
		return wrapInvalid("max retries must not be negative")
	}
	if len(d.Payload) > 0 && !json.Valid(d.Payload) {
		return wrapInvalid("payload is not valid JSON")
	}
	return nil
}

// Lease reports the result of a lease extension.
type Lease struct {
	// Deadline is the new lease expiry
	Deadline time.Time

	// CancelRequested is true when the producer asked for cancellation
	CancelRequested bool
}

// NackOptions controls what happens to a task released after a failure.
type NackOptions struct {
	// Requeue returns the task to pending and increments its retry count.
	// When false the task is removed from the queue.
	Requeue bool

	// Delay postpones the next claim when requeued
	Delay time.Duration
}

// CancelOutcome describes what a cancellation did.
type CancelOutcome int

const (
	// CancelRemoved means the task was pending and is no longer claimable
	CancelRemoved CancelOutcome = iota + 1

	// CancelFlagged means the task is leased and the worker was asked to stop
	CancelFlagged
)

func (o CancelOutcome) String() string {
	switch o {
	case CancelRemoved:
		return "removed"
	case CancelFlagged:
		return "flagged"
	default:
		return "unknown"
	}
}

// QueueStats is a point-in-time count of queued tasks.
type QueueStats struct {
	Pending int `json:"pending"`
	Leased  int `json:"leased"`
}

// QueueStore is the durable holding area for pending task invocations.
// Implementations must make Claim atomic: one lease holder per task id.
type QueueStore interface {
	// Enqueue stores a new pending task. The descriptor's ID is assigned when zero.
	Enqueue(ctx context.Context, d *Descriptor) (uuid.UUID, error)

	// Claim leases the oldest eligible task to workerID.
	// Returns nil, nil when nothing is eligible.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*Descriptor, error)

	// ExtendLease pushes the lease deadline to now+d.
	ExtendLease(ctx context.Context, id uuid.UUID, workerID string, d time.Duration) (*Lease, error)

	// Ack removes a successfully completed task.
	Ack(ctx context.Context, id uuid.UUID, workerID string) error

	// Nack releases a failed task, either back to pending or out of the queue.
	Nack(ctx context.Context, id uuid.UUID, workerID string, opts NackOptions) error

	// Cancel removes a pending task or flags a leased one.
	Cancel(ctx context.Context, id uuid.UUID) (CancelOutcome, error)

	// ReclaimExpired returns tasks whose lease deadline is at or before now
	// to pending and reports how many were reclaimed.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
}

// QueueInspector is implemented by queue stores able to report their depth.
type QueueInspector interface {
	Stats(ctx context.Context) (QueueStats, error)
}

// TaskError is the structured failure stored with a result record.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ResultRecord is the externally visible status of a task.
type ResultRecord struct {
	TaskID      uuid.UUID       `json:"task_id"`
	TaskType    string          `json:"task_type"`
	Principal   string          `json:"principal,omitempty"`
	State       State           `json:"state"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Attempts    int             `json:"attempts"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ResultStore records per-task state transitions and final outcomes.
type ResultStore interface {
	// Record stores rec. A terminal record is immutable; later writes fail with ErrResultFinal.
	Record(ctx context.Context, rec ResultRecord) error

	// Get returns the latest record, or nil, nil when the id is unknown.
	Get(ctx context.Context, id uuid.UUID) (*ResultRecord, error)

	// Purge deletes terminal records completed before olderThan.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// Handler executes one task type.
// The returned value, when not nil, is stored as the task's JSON output.
type Handler interface {
	Handle(ctx context.Context, exec *Execution) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, exec *Execution) (any, error)

// Handle calls f(ctx, exec).
func (f HandlerFunc) Handle(ctx context.Context, exec *Execution) (any, error) {
	return f(ctx, exec)
}
