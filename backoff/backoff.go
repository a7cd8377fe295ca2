// Package backoff computes how long a failed job waits before its next
// attempt. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n. Attempt 1 is the
// first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Func adapts a plain function to a Strategy.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Constant waits d before every retry.
func Constant(d time.Duration) Strategy {
	return Func(func(int) time.Duration { return d })
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential grows the delay geometrically: Base * Factor^(attempt-1),
// capped at Max. A zero Factor means 2. Delays strictly increase until
// the cap is reached.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// NewExponential returns a doubling strategy starting at base and capped
// at maxDelay. A zero maxDelay leaves it uncapped.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay, Factor: 2}
}

// Delay implements Strategy.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := e.Factor
	if factor <= 1 {
		factor = 2
	}
	// Computed in float64 so large attempts saturate instead of overflowing.
	d := float64(e.Base) * math.Pow(factor, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64/2 {
		return time.Duration(math.MaxInt64 / 2)
	}
	return time.Duration(d)
}

// Jitter spreads the delays of s over [d*(1-fraction), d] so that jobs
// failing together do not retry together. fraction is clamped to [0, 1].
func Jitter(s Strategy, fraction float64) Strategy {
	fraction = min(max(fraction, 0), 1)
	return Func(func(attempt int) time.Duration {
		d := s.Delay(attempt)
		cut := rand.Float64() * fraction * float64(d) //nolint:gosec // jitter does not need crypto rand
		return d - time.Duration(cut)
	})
}

// DefaultStrategy is the dispatcher's fallback: doubling from 1s, capped
// at 1m.
func DefaultStrategy() Strategy {
	return NewExponential(time.Second, time.Minute)
}

// ──────────────────────────────────────────────────
// Retry hints
// ──────────────────────────────────────────────────

type hintError struct {
	err   error
	after time.Duration
}

func (e *hintError) Error() string { return e.err.Error() }
func (e *hintError) Unwrap() error { return e.err }

// RetryAfter marks err as retryable no sooner than d, for instance when an
// upstream service answered with a rate limit and a Retry-After header.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &hintError{err: err, after: d}
}

// Hint returns the minimum delay attached to err by RetryAfter.
func Hint(err error) (time.Duration, bool) {
	var h *hintError
	if errors.As(err, &h) {
		return h.after, true
	}
	return 0, false
}

// For returns the delay before retry attempt n of a job that failed with
// err: the strategy's delay, raised to the error's hint when it has one.
func For(s Strategy, attempt int, err error) time.Duration {
	d := s.Delay(attempt)
	if hint, ok := Hint(err); ok && hint > d {
		return hint
	}
	return d
}
