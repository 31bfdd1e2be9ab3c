package task

import (
	"errors"
	"fmt"
)

// Common errors returned by the task package.
var (
	// ErrNotFound indicates the task is unknown, already finalized, or no
	// longer leased to the caller.
	ErrNotFound = errors.New("task not found")

	// ErrLeaseLost indicates another worker holds the lease on the task.
	ErrLeaseLost = fmt.Errorf("%w: lease held by another worker", ErrNotFound)

	// ErrUnknownTaskType indicates no handler is registered for the task type.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrDuplicateTaskType indicates a second registration for the same name.
	ErrDuplicateTaskType = errors.New("task type already registered")

	// ErrRegistrySealed indicates the registry no longer accepts registrations.
	ErrRegistrySealed = errors.New("task registry is sealed")

	// ErrTimeout indicates the handler exceeded its execution budget.
	ErrTimeout = errors.New("task execution timed out")

	// ErrCancelled indicates the producer cancelled the task.
	ErrCancelled = errors.New("task cancelled")

	// ErrResultFinal indicates a write to a result record that is already terminal.
	ErrResultFinal = errors.New("task result is final")

	// ErrInvalidDescriptor indicates an enqueue request with missing or malformed fields.
	ErrInvalidDescriptor = errors.New("invalid task descriptor")
)

// Error kinds stored in TaskError.Kind.
const (
	KindHandlerError    = "handler_error"
	KindPermanent       = "permanent_error"
	KindTimeout         = "timeout"
	KindPanic           = "panic"
	KindCancelled       = "cancelled"
	KindUnknownTaskType = "unknown_task_type"
	KindEnqueueFailed   = "enqueue_failed"
)

func wrapInvalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidDescriptor, msg)
}

// HandlerError wraps an error returned by (or on behalf of) a handler with
// the task type and attempt number it belongs to.
type HandlerError struct {
	TaskType string
	Attempt  int
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("task %s attempt %d: %v", e.TaskType, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The task is abandoned after the
// current attempt regardless of its remaining retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.value)
}

// ErrorKind classifies err into one of the TaskError kinds.
func ErrorKind(err error) string {
	var pe *panicError
	switch {
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrUnknownTaskType):
		return KindUnknownTaskType
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.As(err, &pe):
		return KindPanic
	case IsPermanent(err):
		return KindPermanent
	default:
		return KindHandlerError
	}
}

// NewTaskError builds the stored form of err.
func NewTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: ErrorKind(err), Message: err.Error()}
}
