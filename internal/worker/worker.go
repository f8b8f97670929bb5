// Package worker claims jobs from the queue and dispatches them to the
// handler for their payload variant.
//
// A handler returning nil acknowledges the job. Transient errors and
// shutdown leave it unacknowledged so the queue re-delivers it after the
// visibility timeout. Any other error has already been recorded by the
// handler, so the job is logged and acknowledged.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/internal/jobs"
	"thirdcoast.systems/clipscan/internal/queue"
)

type ScanHandler interface {
	HandleBatchScan(ctx context.Context, job jobs.Job, payload jobs.BatchScan) error
	HandleMessageScan(ctx context.Context, job jobs.Job, payload jobs.MessageScan) error
}

type PurgeHandler interface {
	HandlePurgeChannel(ctx context.Context, job jobs.Job) error
	HandlePurgeGuild(ctx context.Context, job jobs.Job) error
}

// JobHandler handles a single payload variant.
type JobHandler interface {
	Handle(ctx context.Context, job jobs.Job) error
}

// Handlers holds one handler per payload family. A nil handler makes jobs of
// its kinds fail permanently.
type Handlers struct {
	Scans      ScanHandler
	Purges     PurgeHandler
	Thumbnails JobHandler
	Cleanup    JobHandler
}

type Options struct {
	Kinds       []jobs.Kind
	Group       string
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	// DiscoverInterval is how often the stream list is refreshed.
	DiscoverInterval time.Duration
}

type Worker struct {
	queue    queue.Queue
	handlers Handlers
	opts     Options

	known      map[string]struct{}
	streams    []string
	discovered time.Time
}

func New(q queue.Queue, h Handlers, opts Options) *Worker {
	if len(opts.Kinds) == 0 {
		opts.Kinds = jobs.Kinds
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = queue.DefaultBatchSize
	}
	if opts.Block <= 0 {
		opts.Block = queue.DefaultBlock
	}
	if opts.DiscoverInterval <= 0 {
		opts.DiscoverInterval = 10 * time.Second
	}
	return &Worker{queue: q, handlers: h, opts: opts, known: map[string]struct{}{}}
}

// Run claims and dispatches jobs until ctx is done. In-flight jobs of the
// current batch are waited for before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started",
		"consumer", w.opts.Consumer,
		"group", w.opts.Group,
		"kinds", w.opts.Kinds,
		"concurrency", w.opts.Concurrency,
	)
	defer slog.Info("worker stopped", "consumer", w.opts.Consumer)

	errDelay := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := w.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("worker poll failed", "error", err, "retry_in", errDelay)
			if !sleep(ctx, errDelay) {
				return nil
			}
			errDelay = min(errDelay*2, 30*time.Second)
			continue
		}
		errDelay = time.Second
		if n == 0 && len(w.streams) == 0 && !sleep(ctx, w.opts.Block) {
			return nil
		}
	}
}

// poll runs one claim and dispatches the batch. It returns how many jobs
// were handled.
func (w *Worker) poll(ctx context.Context) (int, error) {
	if err := w.discover(ctx); err != nil {
		return 0, err
	}
	if len(w.streams) == 0 {
		return 0, nil
	}

	ds, err := w.queue.Claim(ctx, queue.ClaimRequest{
		Streams:  w.streams,
		Group:    w.opts.Group,
		Consumer: w.opts.Consumer,
		Count:    w.opts.BatchSize,
		Block:    w.opts.Block,
	})
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)
	for _, d := range ds {
		g.Go(func() error {
			w.process(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return len(ds), nil
}

// discover refreshes the stream list and creates the consumer group on
// streams seen for the first time.
func (w *Worker) discover(ctx context.Context) error {
	if len(w.streams) > 0 && time.Since(w.discovered) < w.opts.DiscoverInterval {
		return nil
	}
	var streams []string
	for _, kind := range w.opts.Kinds {
		keys, err := w.queue.Streams(ctx, kind)
		if err != nil {
			return fmt.Errorf("list %s streams: %w", kind, err)
		}
		for _, key := range keys {
			if _, ok := w.known[key]; !ok {
				if err := w.queue.EnsureGroup(ctx, key, w.opts.Group); err != nil {
					return fmt.Errorf("ensure group on %s: %w", key, err)
				}
				w.known[key] = struct{}{}
				slog.Debug("consuming stream", "stream", key, "group", w.opts.Group)
			}
			streams = append(streams, key)
		}
	}
	w.streams = streams
	w.discovered = time.Now()
	return nil
}

// process runs one delivery and applies the acknowledgement policy.
func (w *Worker) process(ctx context.Context, d queue.Delivery) {
	log := slog.With(
		"job_id", d.Job.ID,
		"kind", d.Job.Kind(),
		"tenant_id", d.Job.TenantID,
		"channel_id", d.Job.ChannelID,
		"stream", d.Stream,
		"delivery_id", d.ID,
	)
	if d.Redelivered {
		log.Info("job redelivered")
	}

	start := time.Now()
	err := w.safeDispatch(ctx, d.Job)
	took := time.Since(start)

	switch {
	case err == nil:
		log.Debug("job done", "took", took)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		log.Info("job interrupted by shutdown, leaving for redelivery", "took", took)
		return
	case failure.IsTransient(err):
		log.Warn("job failed transiently, leaving for redelivery", "error", err, "retry_after", failure.RetryAfter(err), "took", took)
		return
	default:
		log.Error("job failed", "error", err, "class", failure.Classify(err), "took", took)
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.queue.Ack(actx, d.Stream, w.opts.Group, d.ID); err != nil {
		log.Error("ack failed", "error", err)
	}
}

// safeDispatch turns a handler panic into a permanent failure.
func (w *Worker) safeDispatch(ctx context.Context, job jobs.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job handler panicked", "job_id", job.ID, "kind", job.Kind(), "panic", r, "stack", string(debug.Stack()))
			err = failure.Permanentf("handler panic: %v", r)
		}
	}()
	return w.dispatch(ctx, job)
}

func (w *Worker) dispatch(ctx context.Context, job jobs.Job) error {
	h := w.handlers
	switch p := job.Payload.(type) {
	case jobs.BatchScan:
		if h.Scans == nil {
			return errNoHandler(job)
		}
		return h.Scans.HandleBatchScan(ctx, job, p)
	case jobs.MessageScan:
		if h.Scans == nil {
			return errNoHandler(job)
		}
		return h.Scans.HandleMessageScan(ctx, job, p)
	case jobs.PurgeChannel:
		if h.Purges == nil {
			return errNoHandler(job)
		}
		return h.Purges.HandlePurgeChannel(ctx, job)
	case jobs.PurgeGuild:
		if h.Purges == nil {
			return errNoHandler(job)
		}
		return h.Purges.HandlePurgeGuild(ctx, job)
	case jobs.ThumbnailCleanup:
		if h.Cleanup == nil {
			return errNoHandler(job)
		}
		return h.Cleanup.Handle(ctx, job)
	case jobs.Thumbnail:
		if h.Thumbnails == nil {
			return errNoHandler(job)
		}
		return h.Thumbnails.Handle(ctx, job)
	default:
		return failure.Permanentf("unknown payload %T", job.Payload)
	}
}

func errNoHandler(job jobs.Job) error {
	return failure.Permanentf("no handler registered for %s", job.Kind())
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
