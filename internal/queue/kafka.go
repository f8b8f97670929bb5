package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/internal/jobs"
)

// KafkaQueue maps every stream key to its own topic and consumes them through
// a kafka consumer group. Kafka has no per-entry visibility timeout: entries
// that are never acknowledged are delivered again after a restart or a group
// rebalance. Offsets are committed only across a contiguous acknowledged
// prefix so an unacknowledged entry is never skipped.
type KafkaQueue struct {
	brokers []string
	writer  *kafka.Writer

	mu      sync.Mutex
	readers map[string]*kafkaReader
	closed  bool
}

type kafkaReader struct {
	reader  *kafka.Reader
	mu      sync.Mutex
	pending map[string]map[int]*kafkaPartition // topic -> partition
}

type kafkaPartition struct {
	offsets []int64 // delivered, ascending
	msgs    map[int64]kafka.Message
	acked   map[int64]bool
}

// NewKafkaQueue creates a producer for brokers. Readers are created on demand.
func NewKafkaQueue(brokers []string) *KafkaQueue {
	return &KafkaQueue{
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		readers: map[string]*kafkaReader{},
	}
}

// KafkaTopic converts a stream key into a legal topic name.
func KafkaTopic(stream string) string {
	return strings.ReplaceAll(stream, ":", ".")
}

// Enqueue implements Queue. Kafka does not report the offset to producers, so
// the returned position is topic/job-id.
func (q *KafkaQueue) Enqueue(ctx context.Context, job jobs.Job) (Position, error) {
	if err := job.Validate(); err != nil {
		return "", fmt.Errorf("queue.Enqueue: %w", err)
	}
	data, err := jobs.Encode(job)
	if err != nil {
		return "", err
	}
	topic := KafkaTopic(StreamKey(job.TenantID, job.Kind()))
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(job.ChannelID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(job.Kind())},
			{Key: "job_id", Value: []byte(job.ID.String())},
		},
	})
	if err != nil {
		return "", kafkaErr("enqueue", err)
	}
	return Position(topic + "/" + job.ID.String()), nil
}

// EnsureGroup implements Queue. Kafka creates groups implicitly on first join.
func (q *KafkaQueue) EnsureGroup(ctx context.Context, stream, group string) error {
	return nil
}

func (q *KafkaQueue) readerFor(group string, topics []string) (*kafkaReader, error) {
	sorted := append([]string(nil), topics...)
	sort.Strings(sorted)
	key := group + "|" + strings.Join(sorted, ",")

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if r, ok := q.readers[key]; ok {
		return r, nil
	}
	// The topic set changed; a new group membership replaces the old one.
	for k, r := range q.readers {
		if strings.HasPrefix(k, group+"|") {
			_ = r.reader.Close()
			delete(q.readers, k)
		}
	}
	r := &kafkaReader{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     q.brokers,
			GroupID:     group,
			GroupTopics: sorted,
			MinBytes:    1,
			MaxBytes:    10 << 20,
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.FirstOffset,
		}),
		pending: map[string]map[int]*kafkaPartition{},
	}
	q.readers[key] = r
	return r, nil
}

// Claim implements Queue. Streams are topic names as returned by Streams.
func (q *KafkaQueue) Claim(ctx context.Context, req ClaimRequest) ([]Delivery, error) {
	req = req.normalized()
	if len(req.Streams) == 0 {
		return nil, nil
	}
	r, err := q.readerFor(req.Group, req.Streams)
	if err != nil {
		return nil, err
	}

	out := make([]Delivery, 0, req.Count)
	wait := req.Block
	if wait <= 0 {
		wait = 50 * time.Millisecond
	}
	for len(out) < req.Count {
		fetchCtx, cancel := context.WithTimeout(ctx, wait)
		msg, err := r.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return out, kafkaErr("fetch", err)
		}
		// Once something arrived, only drain what is already buffered.
		wait = 10 * time.Millisecond

		id := strconv.Itoa(msg.Partition) + ":" + strconv.FormatInt(msg.Offset, 10)
		r.track(msg)
		job, err := jobs.Decode(msg.Value)
		if err != nil {
			slog.Error("dropping undecodable queue entry", "topic", msg.Topic, "group", req.Group, "id", id, "error", err)
			if ackErr := q.Ack(ctx, msg.Topic, req.Group, id); ackErr != nil {
				slog.Warn("failed to ack undecodable entry", "topic", msg.Topic, "id", id, "error", ackErr)
			}
			continue
		}
		out = append(out, Delivery{Stream: msg.Topic, ID: id, Job: job})
	}
	return out, nil
}

func (r *kafkaReader) track(msg kafka.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parts, ok := r.pending[msg.Topic]
	if !ok {
		parts = map[int]*kafkaPartition{}
		r.pending[msg.Topic] = parts
	}
	p, ok := parts[msg.Partition]
	if !ok {
		p = &kafkaPartition{msgs: map[int64]kafka.Message{}, acked: map[int64]bool{}}
		parts[msg.Partition] = p
	}
	if _, seen := p.msgs[msg.Offset]; seen {
		return
	}
	p.offsets = append(p.offsets, msg.Offset)
	sort.Slice(p.offsets, func(a, b int) bool { return p.offsets[a] < p.offsets[b] })
	p.msgs[msg.Offset] = msg
}

// ackable marks an offset acknowledged and returns the newest message of the
// contiguous acknowledged prefix, if it moved.
func (r *kafkaReader) ackable(topic string, partition int, offset int64) (kafka.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[topic][partition]
	if !ok {
		return kafka.Message{}, false
	}
	if _, ok := p.msgs[offset]; !ok {
		return kafka.Message{}, false
	}
	p.acked[offset] = true

	var last kafka.Message
	moved := false
	for len(p.offsets) > 0 && p.acked[p.offsets[0]] {
		off := p.offsets[0]
		last = p.msgs[off]
		moved = true
		delete(p.msgs, off)
		delete(p.acked, off)
		p.offsets = p.offsets[1:]
	}
	return last, moved
}

// Ack implements Queue.
func (q *KafkaQueue) Ack(ctx context.Context, stream, group, deliveryID string) error {
	partStr, offStr, ok := strings.Cut(deliveryID, ":")
	if !ok {
		return failure.Permanentf("queue.kafka ack: malformed delivery id %q", deliveryID)
	}
	partition, err := strconv.Atoi(partStr)
	if err != nil {
		return failure.Permanentf("queue.kafka ack: malformed partition in %q", deliveryID)
	}
	offset, err := strconv.ParseInt(offStr, 10, 64)
	if err != nil {
		return failure.Permanentf("queue.kafka ack: malformed offset in %q", deliveryID)
	}

	q.mu.Lock()
	var readers []*kafkaReader
	for k, r := range q.readers {
		if strings.HasPrefix(k, group+"|") {
			readers = append(readers, r)
		}
	}
	q.mu.Unlock()

	for _, r := range readers {
		msg, moved := r.ackable(stream, partition, offset)
		if !moved {
			continue
		}
		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			return kafkaErr("commit", err)
		}
	}
	return nil
}

// Streams implements Queue by listing topics with the stream prefix and kind suffix.
func (q *KafkaQueue) Streams(ctx context.Context, kind jobs.Kind) ([]string, error) {
	if len(q.brokers) == 0 {
		return nil, errors.New("queue.kafka: no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", q.brokers[0])
	if err != nil {
		return nil, kafkaErr("dial", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, kafkaErr("read partitions", err)
	}
	prefix := KafkaTopic(keyPrefix) + "."
	suffix := "." + string(kind)
	seen := map[string]struct{}{}
	for _, p := range partitions {
		if strings.HasPrefix(p.Topic, prefix) && strings.HasSuffix(p.Topic, suffix) {
			seen[p.Topic] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements Queue.
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	var errs []error
	for k, r := range q.readers {
		errs = append(errs, r.reader.Close())
		delete(q.readers, k)
	}
	errs = append(errs, q.writer.Close())
	return errors.Join(errs...)
}

func kafkaErr(op string, err error) error {
	wrapped := fmt.Errorf("queue.kafka %s: %w", op, err)
	if errors.Is(err, context.Canceled) {
		return wrapped
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) && kerr.Temporary() {
		return failure.Transient(wrapped, 0)
	}
	if failure.IsTransient(err) {
		return failure.Transient(wrapped, 0)
	}
	return wrapped
}
