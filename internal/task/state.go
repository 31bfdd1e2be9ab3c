package task

import (
	"errors"
	"time"
)

// Decision is the outcome of one execution attempt.
type Decision struct {
	// State is the state to record for the attempt
	State State

	// Requeue is true when the task goes back to pending
	Requeue bool

	// RetryCount is the task's retry count after the decision
	RetryCount int

	// Delay is the backoff before the next claim when requeued
	Delay time.Duration

	// ErrorKind classifies the failure; empty on success
	ErrorKind string
}

// Decide maps the result of an attempt to the next state.
//
//	nil error                     -> Succeeded
//	ErrCancelled                  -> Cancelled
//	ErrUnknownTaskType, Permanent -> Abandoned
//	retryCount < MaxRetries       -> Failed, requeued with Backoff.Delay(retryCount+1)
//	otherwise                     -> Abandoned
func Decide(policy RetryPolicy, retryCount int, err error) Decision {
	if err == nil {
		return Decision{State: StateSucceeded, RetryCount: retryCount}
	}

	kind := ErrorKind(err)
	switch {
	case errors.Is(err, ErrCancelled):
		return Decision{State: StateCancelled, RetryCount: retryCount, ErrorKind: kind}
	case errors.Is(err, ErrUnknownTaskType), IsPermanent(err):
		return Decision{State: StateAbandoned, RetryCount: retryCount, ErrorKind: kind}
	case retryCount < policy.MaxRetries:
		next := retryCount + 1
		return Decision{
			State:      StateFailed,
			Requeue:    true,
			RetryCount: next,
			Delay:      policy.Backoff.Delay(next),
			ErrorKind:  kind,
		}
	default:
		return Decision{State: StateAbandoned, RetryCount: retryCount, ErrorKind: kind}
	}
}
