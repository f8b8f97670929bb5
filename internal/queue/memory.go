package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"thirdcoast.systems/clipscan/internal/jobs"
)

// MemoryQueue is an in-process implementation with the same consumer-group
// semantics as the Redis backend. It backs single-process development runs
// and tests.
type MemoryQueue struct {
	mu         sync.Mutex
	streams    map[string]*memStream
	registry   map[jobs.Kind]map[string]struct{}
	visibility time.Duration
	now        func() time.Time
	notify     chan struct{}
	closed     bool
	seq        uint64
	rotate     int
}

type memStream struct {
	entries []memEntry
	groups  map[string]*memGroup
}

type memEntry struct {
	id   string
	data []byte
}

type memGroup struct {
	next    int
	pending map[string]*memPending
}

type memPending struct {
	index       int
	deliveredAt time.Time
	deliveries  int
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithVisibilityTimeout sets how long a claimed entry stays invisible.
func WithVisibilityTimeout(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) { q.visibility = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		streams:    map[string]*memStream{},
		registry:   map[jobs.Kind]map[string]struct{}{},
		visibility: DefaultVisibilityTimeout,
		now:        time.Now,
		notify:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) stream(key string) *memStream {
	s, ok := q.streams[key]
	if !ok {
		s = &memStream{groups: map[string]*memGroup{}}
		q.streams[key] = s
	}
	return s
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, job jobs.Job) (Position, error) {
	if err := job.Validate(); err != nil {
		return "", fmt.Errorf("queue.Enqueue: %w", err)
	}
	data, err := jobs.Encode(job)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}

	key := StreamKey(job.TenantID, job.Kind())
	s := q.stream(key)
	q.seq++
	id := strconv.FormatUint(q.seq, 10) + "-0"
	s.entries = append(s.entries, memEntry{id: id, data: data})

	reg, ok := q.registry[job.Kind()]
	if !ok {
		reg = map[string]struct{}{}
		q.registry[job.Kind()] = reg
	}
	reg[key] = struct{}{}

	close(q.notify)
	q.notify = make(chan struct{})
	return Position(id), nil
}

// EnsureGroup implements Queue. Existing groups are left untouched.
func (q *MemoryQueue) EnsureGroup(ctx context.Context, stream, group string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	s := q.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: map[string]*memPending{}}
	}
	return nil
}

// Claim implements Queue.
func (q *MemoryQueue) Claim(ctx context.Context, req ClaimRequest) ([]Delivery, error) {
	req = req.normalized()
	var deadline <-chan time.Time
	if req.Block > 0 {
		timer := time.NewTimer(req.Block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		out, err := q.claimLocked(req)
		wait := q.notify
		q.mu.Unlock()

		if err != nil || len(out) > 0 || deadline == nil {
			return out, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wait:
		}
	}
}

func (q *MemoryQueue) claimLocked(req ClaimRequest) ([]Delivery, error) {
	if len(req.Streams) == 0 {
		return nil, nil
	}
	now := q.now()
	per := share(req.Count, len(req.Streams))
	out := make([]Delivery, 0, req.Count)

	start := q.rotate % len(req.Streams)
	q.rotate++
	for i := range req.Streams {
		if len(out) >= req.Count {
			break
		}
		key := req.Streams[(start+i)%len(req.Streams)]
		s, ok := q.streams[key]
		if !ok {
			continue
		}
		g, ok := s.groups[req.Group]
		if !ok {
			return nil, fmt.Errorf("queue.Claim: group %q does not exist on %s", req.Group, key)
		}

		taken := 0
		limit := min(per, req.Count-len(out))

		// Expired pending entries first, oldest delivery first.
		expired := make([]string, 0)
		for id, p := range g.pending {
			if now.Sub(p.deliveredAt) >= q.visibility {
				expired = append(expired, id)
			}
		}
		sort.Slice(expired, func(a, b int) bool {
			return g.pending[expired[a]].index < g.pending[expired[b]].index
		})
		for _, id := range expired {
			if taken >= limit {
				break
			}
			p := g.pending[id]
			p.deliveredAt = now
			p.deliveries++
			if d, ok := q.delivery(key, req.Group, s.entries[p.index], true); ok {
				out = append(out, d)
				taken++
			} else {
				delete(g.pending, id)
			}
		}

		for taken < limit && g.next < len(s.entries) {
			e := s.entries[g.next]
			g.pending[e.id] = &memPending{index: g.next, deliveredAt: now, deliveries: 1}
			g.next++
			if d, ok := q.delivery(key, req.Group, e, false); ok {
				out = append(out, d)
				taken++
			} else {
				delete(g.pending, e.id)
			}
		}
	}
	return out, nil
}

func (q *MemoryQueue) delivery(stream, group string, e memEntry, redelivered bool) (Delivery, bool) {
	job, err := jobs.Decode(e.data)
	if err != nil {
		slog.Error("dropping undecodable queue entry", "stream", stream, "group", group, "id", e.id, "error", err)
		return Delivery{}, false
	}
	return Delivery{Stream: stream, ID: e.id, Job: job, Redelivered: redelivered}, true
}

// Ack implements Queue. Acknowledging an unknown or already acknowledged id is a no-op.
func (q *MemoryQueue) Ack(ctx context.Context, stream, group, deliveryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.streams[stream]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	delete(g.pending, deliveryID)
	return nil
}

// Streams implements Queue.
func (q *MemoryQueue) Streams(ctx context.Context, kind jobs.Kind) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.registry[kind]))
	for key := range q.registry[kind] {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// Pending returns the number of delivered but unacknowledged entries.
func (q *MemoryQueue) Pending(stream, group string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.streams[stream]
	if !ok {
		return 0
	}
	g, ok := s.groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

// Len returns the number of entries ever appended to stream.
func (q *MemoryQueue) Len(stream string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.streams[stream]; ok {
		return len(s.entries)
	}
	return 0
}

// Close implements Queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	return nil
}
