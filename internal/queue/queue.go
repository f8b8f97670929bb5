// Package queue is the durable job log. Streams are partitioned by
// (tenant, kind); consumers read through consumer groups with at-least-once
// delivery and explicit acknowledgement.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"thirdcoast.systems/clipscan/internal/jobs"
)

const (
	keyPrefix = "clipscan:jobs"

	DefaultBatchSize         = 10
	DefaultBlock             = 2 * time.Second
	DefaultVisibilityTimeout = 5 * time.Minute
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Position is the backend-specific log position of an enqueued job.
type Position string

// Delivery is one claimed job. Stream and ID are opaque backend identifiers
// that must be passed back to Ack unchanged.
type Delivery struct {
	Stream      string
	ID          string
	Job         jobs.Job
	Redelivered bool
}

// ClaimRequest describes one batched read from a consumer group.
type ClaimRequest struct {
	Streams  []string
	Group    string
	Consumer string
	// Count is the maximum number of deliveries returned across all streams.
	Count int
	// Block is how long to wait for new entries when nothing is immediately available.
	Block time.Duration
}

func (r ClaimRequest) normalized() ClaimRequest {
	if r.Count <= 0 {
		r.Count = DefaultBatchSize
	}
	if r.Block < 0 {
		r.Block = 0
	}
	return r
}

// Enqueuer is the producer-side view of the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job jobs.Job) (Position, error)
}

// Queue is the full contract implemented by every backend.
type Queue interface {
	Enqueuer
	// EnsureGroup creates the consumer group if it does not exist yet.
	EnsureGroup(ctx context.Context, stream, group string) error
	// Claim returns up to req.Count jobs. Entries delivered earlier but not
	// acknowledged within the visibility timeout are handed out again.
	Claim(ctx context.Context, req ClaimRequest) ([]Delivery, error)
	Ack(ctx context.Context, stream, group, deliveryID string) error
	// Streams lists the known partitions for kind.
	Streams(ctx context.Context, kind jobs.Kind) ([]string, error)
	Close() error
}

// StreamKey is the partition key of (tenant, kind).
func StreamKey(tenantID string, kind jobs.Kind) string {
	return keyPrefix + ":" + tenantID + ":" + string(kind)
}

// ParseStreamKey splits a key built by StreamKey.
func ParseStreamKey(key string) (tenantID string, kind jobs.Kind, ok bool) {
	rest, found := strings.CutPrefix(key, keyPrefix+":")
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	k, err := jobs.ParseKind(rest[i+1:])
	if err != nil {
		return "", "", false
	}
	return rest[:i], k, true
}

func registryKey(kind jobs.Kind) string {
	return keyPrefix + ":streams:" + string(kind)
}

// share returns how many entries to take from each of n streams for a total of count.
func share(count, n int) int {
	if n <= 0 {
		return 0
	}
	per := (count + n - 1) / n
	if per < 1 {
		per = 1
	}
	return per
}
