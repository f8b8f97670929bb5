package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/internal/jobs"
)

const redisJobField = "job"

// RedisQueue stores each (tenant, kind) partition as a Redis stream and uses
// stream consumer groups for delivery. A per-kind set tracks known streams.
type RedisQueue struct {
	client     *redis.Client
	visibility time.Duration
	maxLen     int64
}

// RedisOptions configures a RedisQueue.
type RedisOptions struct {
	// VisibilityTimeout is the idle time after which an unacknowledged entry is reclaimed.
	VisibilityTimeout time.Duration
	// MaxLen approximately caps each stream. Zero disables trimming.
	MaxLen int64
}

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client *redis.Client, opts RedisOptions) *RedisQueue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	return &RedisQueue{client: client, visibility: opts.VisibilityTimeout, maxLen: opts.MaxLen}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job jobs.Job) (Position, error) {
	if err := job.Validate(); err != nil {
		return "", fmt.Errorf("queue.Enqueue: %w", err)
	}
	data, err := jobs.Encode(job)
	if err != nil {
		return "", err
	}

	key := StreamKey(job.TenantID, job.Kind())
	pipe := q.client.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			redisJobField: data,
			"job_id":      job.ID.String(),
			"kind":        string(job.Kind()),
		},
	})
	pipe.SAdd(ctx, registryKey(job.Kind()), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", redisErr("enqueue", err)
	}
	return Position(add.Val()), nil
}

// EnsureGroup implements Queue. BUSYGROUP replies are treated as success.
func (q *RedisQueue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return redisErr("create group", err)
	}
	return nil
}

// Claim implements Queue. It first reclaims entries idle for longer than the
// visibility timeout, then reads new entries across all streams in one call.
func (q *RedisQueue) Claim(ctx context.Context, req ClaimRequest) ([]Delivery, error) {
	req = req.normalized()
	if len(req.Streams) == 0 {
		return nil, nil
	}

	out := make([]Delivery, 0, req.Count)
	per := share(req.Count, len(req.Streams))
	for _, stream := range req.Streams {
		if len(out) >= req.Count {
			break
		}
		msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    req.Group,
			Consumer: req.Consumer,
			MinIdle:  q.visibility,
			Start:    "0-0",
			Count:    int64(min(per, req.Count-len(out))),
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, redisErr("autoclaim", err)
		}
		for _, m := range msgs {
			if d, ok := q.delivery(ctx, stream, req.Group, m, true); ok {
				out = append(out, d)
			}
		}
	}

	remaining := req.Count - len(out)
	if remaining <= 0 {
		return out, nil
	}

	block := req.Block
	if len(out) > 0 || block == 0 {
		// Negative means "do not send BLOCK"; zero would block forever.
		block = -1
	}
	args := make([]string, 0, 2*len(req.Streams))
	args = append(args, req.Streams...)
	for range req.Streams {
		args = append(args, ">")
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    req.Group,
		Consumer: req.Consumer,
		Streams:  args,
		Count:    int64(share(remaining, len(req.Streams))),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		return out, redisErr("read group", err)
	}
	// XREADGROUP's COUNT is per stream, so the read can overshoot. Entries
	// past the limit stay pending on this consumer and are reclaimed once
	// their visibility timeout passes.
	take, surplus := takeRoundRobin(streams, remaining)
	if surplus > 0 {
		slog.Debug("left surplus entries pending", "group", req.Group, "consumer", req.Consumer, "surplus", surplus)
	}
	for _, e := range take {
		if d, ok := q.delivery(ctx, e.stream, req.Group, e.msg, false); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

type streamEntry struct {
	stream string
	msg    redis.XMessage
}

// takeRoundRobin picks up to limit entries, cycling through streams so each
// tenant gets a share, and reports how many were left over.
func takeRoundRobin(streams []redis.XStream, limit int) ([]streamEntry, int) {
	total := 0
	for _, s := range streams {
		total += len(s.Messages)
	}
	take := make([]streamEntry, 0, min(total, limit))
	for i := 0; len(take) < limit && len(take) < total; i++ {
		for _, s := range streams {
			if i < len(s.Messages) && len(take) < limit {
				take = append(take, streamEntry{stream: s.Stream, msg: s.Messages[i]})
			}
		}
	}
	return take, total - len(take)
}

func (q *RedisQueue) delivery(ctx context.Context, stream, group string, m redis.XMessage, redelivered bool) (Delivery, bool) {
	raw, _ := m.Values[redisJobField].(string)
	job, err := jobs.Decode([]byte(raw))
	if err != nil {
		slog.Error("dropping undecodable queue entry", "stream", stream, "group", group, "id", m.ID, "error", err)
		if ackErr := q.Ack(ctx, stream, group, m.ID); ackErr != nil {
			slog.Warn("failed to ack undecodable entry", "stream", stream, "id", m.ID, "error", ackErr)
		}
		return Delivery{}, false
	}
	return Delivery{Stream: stream, ID: m.ID, Job: job, Redelivered: redelivered}, true
}

// Ack implements Queue.
func (q *RedisQueue) Ack(ctx context.Context, stream, group, deliveryID string) error {
	if err := q.client.XAck(ctx, stream, group, deliveryID).Err(); err != nil {
		return redisErr("ack", err)
	}
	return nil
}

// Streams implements Queue.
func (q *RedisQueue) Streams(ctx context.Context, kind jobs.Kind) ([]string, error) {
	keys, err := q.client.SMembers(ctx, registryKey(kind)).Result()
	if err != nil {
		return nil, redisErr("list streams", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Queue. The client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}

func redisErr(op string, err error) error {
	wrapped := fmt.Errorf("queue.redis %s: %w", op, err)
	if errors.Is(err, context.Canceled) {
		return wrapped
	}
	if failure.Classify(err) == failure.TransientInfra || isRedisConnErr(err) {
		return failure.Transient(wrapped, 0)
	}
	return wrapped
}

func isRedisConnErr(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "LOADING") ||
		strings.HasPrefix(msg, "READONLY") ||
		strings.HasPrefix(msg, "CLUSTERDOWN") ||
		strings.Contains(msg, "connection pool timeout") ||
		strings.Contains(msg, "use of closed network connection")
}
