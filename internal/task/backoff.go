package task

import (
	"math"
	"math/rand/v2"
	"time"
)

// Default policy values.
const (
	DefaultMaxRetries   = 3
	DefaultTimeout      = 60 * time.Second
	DefaultBackoffBase  = time.Second
	DefaultBackoffMax   = 5 * time.Minute
	DefaultBackoffScale = 2.0
)

// Backoff is an exponential delay curve: Base * Factor^(retry-1), capped at Max.
// Jitter, when set, adds a random duration in [0, Jitter) on top, so the
// computed delay is never shorter than the curve.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter time.Duration
}

// DefaultBackoff returns 1s doubling up to 5m without jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   DefaultBackoffBase,
		Max:    DefaultBackoffMax,
		Factor: DefaultBackoffScale,
	}
}

// Delay returns the wait before the given retry (1-based).
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 1 || b.Base <= 0 {
		return 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(b.Base) * math.Pow(factor, float64(retry-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	delay := time.Duration(d)

	if b.Jitter > 0 {
		jitter := time.Duration(rand.Int64N(int64(b.Jitter)))
		if delay > time.Duration(math.MaxInt64)-jitter {
			return time.Duration(math.MaxInt64)
		}
		delay += jitter
	}
	return delay
}

// RetryPolicy controls how failures of one task type are handled.
type RetryPolicy struct {
	// MaxRetries is how many times a failed task is requeued before it is abandoned
	MaxRetries int

	// Backoff computes the delay before each retry
	Backoff Backoff

	// Timeout is the execution budget of a single attempt
	Timeout time.Duration
}

// DefaultRetryPolicy returns 3 retries, the default backoff and a 60s budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		Backoff:    DefaultBackoff(),
		Timeout:    DefaultTimeout,
	}
}

// withDefaults fills zero-valued backoff and timeout fields.
// MaxRetries is kept as given since zero is a meaningful value.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Backoff.Base <= 0 {
		jitter := p.Backoff.Jitter
		p.Backoff = DefaultBackoff()
		p.Backoff.Jitter = jitter
	}
	if p.Backoff.Factor == 0 {
		p.Backoff.Factor = DefaultBackoffScale
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}
