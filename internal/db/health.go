package db

import (
	"context"
	"log/slog"
	"time"
)

// Pinger issues a trivial round trip to storage.
type Pinger interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

type execFunc func(ctx context.Context, sql string, args ...any) error

func (f execFunc) Exec(ctx context.Context, sql string, args ...any) error { return f(ctx, sql, args...) }

// PoolPinger adapts a DBTX to Pinger.
func PoolPinger(db DBTX) Pinger {
	return execFunc(func(ctx context.Context, sql string, args ...any) error {
		_, err := db.Exec(ctx, sql, args...)
		return err
	})
}

// HealthChecker periodically runs SELECT 1 and logs consecutive failures. It
// only observes and never gates work.
type HealthChecker struct {
	Pinger   Pinger
	Interval time.Duration
	Timeout  time.Duration

	failures int
}

// Check performs one probe and returns the consecutive failure count after it.
func (h *HealthChecker) Check(ctx context.Context) int {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := h.Pinger.Exec(ctx, "SELECT 1"); err != nil {
		h.failures++
		slog.Warn("database health check failed", "consecutive_failures", h.failures, "error", err)
		return h.failures
	}
	if h.failures > 0 {
		slog.Info("database health check recovered", "after_failures", h.failures)
	}
	h.failures = 0
	return 0
}

// Run probes every Interval until ctx is done.
func (h *HealthChecker) Run(ctx context.Context) {
	interval := h.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}
