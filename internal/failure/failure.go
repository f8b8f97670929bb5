// Package failure classifies errors into the pipeline's retry taxonomy.
package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the retry classification of an error.
type Kind int

const (
	Unknown Kind = iota
	// TransientInfra covers timeouts, connection resets and rate limits. Retried with backoff.
	TransientInfra
	// PermanentData covers constraint violations and malformed input. Never retried.
	PermanentData
	// ConcurrencyConflict is a synchronous rejection such as a scan already being active.
	ConcurrencyConflict
	// ExhaustedRetries is a terminal failure after the retry policy gave up.
	ExhaustedRetries
)

func (k Kind) String() string {
	switch k {
	case TransientInfra:
		return "transient_infra"
	case PermanentData:
		return "permanent_data"
	case ConcurrencyConflict:
		return "concurrency_conflict"
	case ExhaustedRetries:
		return "exhausted_retries"
	default:
		return "unknown"
	}
}

// Error attaches an explicit Kind (and optional retry-after hint) to an error.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as a transient infrastructure error. retryAfter is the
// collaborator-specified minimum delay, or zero.
func Transient(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: TransientInfra, RetryAfter: retryAfter, Err: err}
}

// Permanent marks err as a permanent data error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: PermanentData, Err: err}
}

// Permanentf formats a new permanent data error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Conflict marks err as a concurrency conflict.
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ConcurrencyConflict, Err: err}
}

// Exhausted marks err as the terminal outcome of a retry loop.
func Exhausted(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ExhaustedRetries, Err: err}
}

// RetryAfter returns the largest retry-after hint found in err's chain.
func RetryAfter(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// Classify returns the Kind of err. Explicit marks win over inferred ones.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	// Shutdown is not a failure of the job; the caller decides what to do with ctx errors.
	if errors.Is(err, context.Canceled) {
		return Unknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientInfra
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return TransientInfra
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return TransientInfra
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransientInfra
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return TransientInfra
	}

	return Unknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == TransientInfra
}

func classifySQLState(code string) Kind {
	if len(code) < 2 {
		return Unknown
	}
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"53300", // too_many_connections
		"55P03", // lock_not_available
		"57014", // query_canceled (statement_timeout)
		"57P01", // admin_shutdown
		"57P02", // crash_shutdown
		"57P03": // cannot_connect_now
		return TransientInfra
	}
	switch code[:2] {
	case "08": // connection exception
		return TransientInfra
	case "22", "23": // data exception, integrity constraint violation
		return PermanentData
	case "42": // syntax error or access rule violation
		return PermanentData
	}
	return Unknown
}
