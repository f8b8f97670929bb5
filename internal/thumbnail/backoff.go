package thumbnail

import (
	"math/rand/v2"
	"time"
)

// Backoff schedules retries of failed thumbnails.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	// Jitter is the fraction (0..1) by which a delay is randomly stretched or shrunk.
	Jitter float64
	// Rand returns a value in [0,1). nil uses math/rand.
	Rand func() float64
}

// NewBackoff returns a Backoff with ±25% jitter.
func NewBackoff(base, max time.Duration, maxAttempts int) Backoff {
	return Backoff{Base: base, Max: max, MaxAttempts: maxAttempts, Jitter: 0.25}
}

// Delay is the un-jittered wait after the given zero-based retry index:
// Base × 2^attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for range attempt {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	return min(d, b.Max)
}

// Next returns the jittered delay before the next try once failures attempts
// have failed, and false when no further try is allowed.
func (b Backoff) Next(failures int) (time.Duration, bool) {
	if failures >= b.MaxAttempts {
		return 0, false
	}
	d := b.Delay(failures - 1)
	if b.Jitter > 0 {
		u := rand.Float64
		if b.Rand != nil {
			u = b.Rand
		}
		d = time.Duration(float64(d) * (1 + b.Jitter*(2*u()-1)))
	}
	return min(d, b.Max), true
}

// Schedule adapts Next to the failure-recording callback of the store.
func (b Backoff) Schedule(now time.Time) func(attempts int) (time.Time, bool) {
	return func(attempts int) (time.Time, bool) {
		d, ok := b.Next(attempts)
		if !ok {
			return time.Time{}, false
		}
		return now.Add(d), true
	}
}
