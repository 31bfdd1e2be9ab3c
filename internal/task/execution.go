package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Execution is the per-attempt view of a task handed to a handler.
type Execution struct {
	TaskID     uuid.UUID
	TaskType   string
	Principal  string
	Payload    json.RawMessage
	Attempt    int
	RetryCount int
	EnqueuedAt time.Time

	progress func(percent int, message string)
}

func newExecution(d *Descriptor, progress func(int, string)) *Execution {
	return &Execution{
		TaskID:     d.ID,
		TaskType:   d.Type,
		Principal:  d.Principal,
		Payload:    d.Payload,
		Attempt:    d.Attempts,
		RetryCount: d.RetryCount,
		EnqueuedAt: d.EnqueuedAt,
		progress:   progress,
	}
}

// Decode unmarshals the payload into v.
func (e *Execution) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.TaskType, err)
	}
	return nil
}

// Progress publishes a progress event for the task. percent is clamped to [0,100].
func (e *Execution) Progress(percent int, message string) {
	if e.progress == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	e.progress(percent, message)
}

// Typed adapts a function taking a decoded payload of type T.
// A payload that cannot be decoded abandons the task without retries.
func Typed[T any](fn func(ctx context.Context, exec *Execution, payload T) (any, error)) Handler {
	return HandlerFunc(func(ctx context.Context, exec *Execution) (any, error) {
		var payload T
		if err := exec.Decode(&payload); err != nil {
			return nil, Permanent(err)
		}
		return fn(ctx, exec, payload)
	})
}
