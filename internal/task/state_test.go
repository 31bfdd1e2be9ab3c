package task

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestState_IsTerminal(t *testing.T) {
	terminal := []State{StateSucceeded, StateAbandoned, StateCancelled}
	nonTerminal := []State{StatePending, StateLeased, StateFailed}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
		assert.True(t, s.Valid(), s)
	}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, State("bogus").Valid())
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 5 * time.Minute, Factor: 2}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},
		{500, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("retry_%d", tt.retry), func(t *testing.T) {
			assert.Equal(t, tt.want, b.Delay(tt.retry))
		})
	}
}

func TestBackoff_JitterOnlyAdds(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 50 * time.Millisecond}

	for i := 0; i < 100; i++ {
		d := b.Delay(2)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 250*time.Millisecond)
	}
}

func TestBackoff_FactorBelowOneIsConstant(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 0.5}
	assert.Equal(t, time.Second, b.Delay(4))
}

func TestBackoff_UncappedSaturates(t *testing.T) {
	b := Backoff{Base: time.Hour, Factor: 2}
	assert.Equal(t, time.Duration(math.MaxInt64), b.Delay(100))

	b.Jitter = time.Second
	assert.Equal(t, time.Duration(math.MaxInt64), b.Delay(100))
	assert.Positive(t, b.Delay(10))
}

func TestRetryPolicy_WithDefaults(t *testing.T) {
	p := RetryPolicy{MaxRetries: 0}.withDefaults()

	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, DefaultTimeout, p.Timeout)
	assert.Equal(t, DefaultBackoff(), p.Backoff)
}

func TestDecide(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries: 3,
		Backoff:    Backoff{Base: time.Second, Max: time.Minute, Factor: 2},
		Timeout:    time.Second,
	}
	boom := errors.New("boom")

	tests := []struct {
		name       string
		retryCount int
		err        error
		want       Decision
	}{
		{
			name: "success",
			err:  nil,
			want: Decision{State: StateSucceeded},
		},
		{
			name:       "success keeps retry count",
			retryCount: 2,
			want:       Decision{State: StateSucceeded, RetryCount: 2},
		},
		{
			name: "first failure is retried",
			err:  boom,
			want: Decision{State: StateFailed, Requeue: true, RetryCount: 1, Delay: time.Second, ErrorKind: KindHandlerError},
		},
		{
			name:       "third failure is retried with longer delay",
			retryCount: 2,
			err:        boom,
			want:       Decision{State: StateFailed, Requeue: true, RetryCount: 3, Delay: 4 * time.Second, ErrorKind: KindHandlerError},
		},
		{
			name:       "retries exhausted",
			retryCount: 3,
			err:        boom,
			want:       Decision{State: StateAbandoned, RetryCount: 3, ErrorKind: KindHandlerError},
		},
		{
			name: "timeout is retried",
			err:  &HandlerError{TaskType: "t", Attempt: 1, Err: ErrTimeout},
			want: Decision{State: StateFailed, Requeue: true, RetryCount: 1, Delay: time.Second, ErrorKind: KindTimeout},
		},
		{
			name: "permanent error is not retried",
			err:  Permanent(boom),
			want: Decision{State: StateAbandoned, ErrorKind: KindPermanent},
		},
		{
			name: "unknown task type is not retried",
			err:  fmt.Errorf("%w: nope", ErrUnknownTaskType),
			want: Decision{State: StateAbandoned, ErrorKind: KindUnknownTaskType},
		},
		{
			name:       "cancellation",
			retryCount: 1,
			err:        &HandlerError{TaskType: "t", Attempt: 2, Err: ErrCancelled},
			want:       Decision{State: StateCancelled, RetryCount: 1, ErrorKind: KindCancelled},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(policy, tt.retryCount, tt.err))
		})
	}
}

func TestDecide_ZeroRetries(t *testing.T) {
	d := Decide(RetryPolicy{MaxRetries: 0}, 0, errors.New("x"))
	assert.Equal(t, StateAbandoned, d.State)
	assert.False(t, d.Requeue)
}

func TestErrors(t *testing.T) {
	assert.ErrorIs(t, ErrLeaseLost, ErrNotFound)

	herr := &HandlerError{TaskType: "resize_image", Attempt: 2, Err: ErrTimeout}
	assert.ErrorIs(t, herr, ErrTimeout)
	assert.Equal(t, "task resize_image attempt 2: task execution timed out", herr.Error())

	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", Permanent(errors.New("x")))))
	assert.False(t, IsPermanent(errors.New("x")))

	assert.Equal(t, KindPanic, ErrorKind(&panicError{value: "x"}))
	assert.Nil(t, NewTaskError(nil))
	assert.Equal(t, &TaskError{Kind: KindHandlerError, Message: "x"}, NewTaskError(errors.New("x")))
}
