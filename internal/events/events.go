package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes state transitions from progress reports.
type Kind string

const (
	// KindState is emitted whenever a task changes state.
	KindState Kind = "state"

	// KindProgress is emitted by handlers reporting partial progress.
	KindProgress Kind = "progress"

	// KindStats carries an engine statistics snapshot rather than a single task.
	KindStats Kind = "stats"
)

// TaskEvent describes something that happened to a task.
// It carries plain values only so that this package has no dependency on the
// task package.
type TaskEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Kind tells subscribers how to interpret the remaining fields
	Kind Kind `json:"kind"`

	// TaskID identifies the task the event refers to
	TaskID uuid.UUID `json:"task_id"`

	// TaskType is the registered task-type name
	TaskType string `json:"task_type"`

	// Principal is the owning user; used for routing, not sent to clients
	Principal string `json:"-"`

	// State is the task state after the transition
	State string `json:"state,omitempty"`

	// Attempt is the 1-based execution attempt the event belongs to
	Attempt int `json:"attempt,omitempty"`

	// Progress is a percentage in [0,100] for progress events
	Progress int `json:"progress,omitempty"`

	// Message is a short human readable note
	Message string `json:"message,omitempty"`

	// Error holds the failure message for failed, abandoned or cancelled tasks
	Error string `json:"error,omitempty"`

	// Data holds the task output or, for stats events, the snapshot
	Data json.RawMessage `json:"data,omitempty"`

	// OccurredAt is the timestamp when the event was created
	OccurredAt time.Time `json:"occurred_at"`
}

// NewTaskEvent creates a TaskEvent with a fresh ID and timestamp.
func NewTaskEvent(kind Kind, taskID uuid.UUID, taskType, principal string) *TaskEvent {
	return &TaskEvent{
		ID:         uuid.New(),
		Kind:       kind,
		TaskID:     taskID,
		TaskType:   taskType,
		Principal:  principal,
		OccurredAt: time.Now().UTC(),
	}
}

// NewStatsEvent creates an event carrying an arbitrary snapshot as JSON.
func NewStatsEvent(snapshot interface{}) (*TaskEvent, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}

	return &TaskEvent{
		ID:         uuid.New(),
		Kind:       KindStats,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}, nil
}

// UnmarshalData decodes the event data into the provided structure.
func (e *TaskEvent) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskEvent) error
}

// EventHandlerFunc adapts a plain function to the EventHandler interface.
type EventHandlerFunc func(ctx context.Context, event *TaskEvent) error

// HandleEvent calls f(ctx, event).
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *TaskEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// This allows the engine to publish events without direct knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *TaskEvent) error
}

// NopEmitter discards every event.
type NopEmitter struct{}

// EmitEvent implements EventEmitter.
func (NopEmitter) EmitEvent(context.Context, *TaskEvent) error { return nil }
