package db

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"

	"thirdcoast.systems/clipscan/internal/failure"
)

// RetryPolicy decides whether and when a failed storage call is attempted again.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the fraction (0..1) by which a delay is randomly stretched or shrunk.
	Jitter float64
}

// DefaultRetryPolicy makes three attempts, 200ms doubling up to 5s, ±20% jitter.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Jitter:      0.2,
}

// Decision is the outcome of a policy evaluation. Delay is before jitter.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide evaluates the policy after attempt (1-based) failed with an error of kind.
func (p RetryPolicy) Decide(attempt int, kind failure.Kind) Decision {
	if kind != failure.TransientInfra || attempt >= p.MaxAttempts {
		return Decision{}
	}
	exp := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(p.BaseDelay) * exp)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return Decision{Retry: true, Delay: d}
}

// jittered spreads d by ±Jitter using u in [0,1), never exceeding MaxDelay.
func (p RetryPolicy) jittered(d time.Duration, u float64) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	f := 1 + p.Jitter*(2*u-1)
	out := time.Duration(float64(d) * f)
	if out > p.MaxDelay {
		out = p.MaxDelay
	}
	if out < 0 {
		out = 0
	}
	return out
}

// ExhaustedError is returned when a transient failure outlived the retry policy.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Retry runs fn under policy. Transient errors are retried with backoff and
// honor any retry-after hint; other errors return immediately. Exhaustion
// yields an *ExhaustedError classified as failure.ExhaustedRetries.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	var (
		attempt int
		lastErr error
	)
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		d := policy.Decide(attempt, failure.Classify(lastErr))
		if !d.Retry {
			return 0, true
		}
		delay := policy.jittered(d.Delay, rand.Float64())
		if ra := failure.RetryAfter(lastErr); ra > delay {
			delay = ra
		}
		slog.Warn("retrying storage call", "op", op, "attempt", attempt, "delay", delay, "error", lastErr)
		return delay, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if failure.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if failure.IsTransient(err) && ctx.Err() == nil {
		return failure.Exhausted(&ExhaustedError{Op: op, Attempts: attempt, Err: err})
	}
	return err
}
