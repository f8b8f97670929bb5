package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"thirdcoast.systems/clipscan/internal/db"
	"thirdcoast.systems/clipscan/internal/jobs"
	"thirdcoast.systems/clipscan/internal/queue"
)

const (
	defaultSweepBatch = 100
	defaultSweepLease = 10 * time.Minute
)

// Sweeper re-enqueues failed thumbnails whose retry time has come.
type Sweeper struct {
	store       Store
	queue       queue.Enqueuer
	maxAttempts int
	lease       time.Duration
	batch       int
	now         func() time.Time
	running     atomic.Bool
}

// NewSweeper returns a sweeper whose claims expire after lease. A zero lease
// uses ten minutes.
func NewSweeper(store Store, q queue.Enqueuer, maxAttempts int, lease time.Duration) *Sweeper {
	if lease <= 0 {
		lease = defaultSweepLease
	}
	return &Sweeper{store: store, queue: q, maxAttempts: maxAttempts, lease: lease, batch: defaultSweepBatch, now: time.Now}
}

// Sweep claims due failures in batches and enqueues one thumbnail job each.
// Clips go back to pending only once their job is queued; a claim that is not
// enqueued stays failed and is retried when its lease expires. A call made
// while another sweep runs returns immediately.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		slog.Debug("thumbnail sweep already running, skipping")
		return 0, nil
	}
	defer s.running.Store(false)

	total := 0
	for {
		refs, err := s.store.ClaimDueThumbnails(ctx, s.now(), s.lease, s.maxAttempts, s.batch)
		if err != nil {
			return total, fmt.Errorf("claim due thumbnails: %w", err)
		}
		queued, err := enqueueAll(ctx, s.queue, refs)
		if len(queued) > 0 {
			if merr := s.store.MarkRetryQueued(ctx, queued); merr != nil {
				return total, errors.Join(err, fmt.Errorf("mark retries queued: %w", merr))
			}
		}
		total += len(queued)
		if err != nil {
			return total, err
		}
		if len(refs) < s.batch {
			return total, nil
		}
	}
}

// Start runs Sweep on schedule until ctx is done.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, func() {
		n, err := s.Sweep(ctx)
		if err != nil {
			slog.Error("thumbnail sweep failed", "requeued", n, "error", err)
			return
		}
		if n > 0 {
			slog.Info("thumbnail sweep requeued failures", "requeued", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule thumbnail sweep %q: %w", schedule, err)
	}
	c.Start()
	slog.Info("thumbnail sweeper scheduled", "schedule", schedule)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		slog.Info("thumbnail sweeper stopped")
	}()
	return nil
}

// enqueueAll enqueues a thumbnail job per ref, stopping at the first error.
// It returns the clips that were queued.
func enqueueAll(ctx context.Context, q queue.Enqueuer, refs []db.ClipRef) ([]uuid.UUID, error) {
	queued := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		if err := enqueueThumbnail(ctx, q, ref.TenantID, ref.ChannelID, ref.ClipID); err != nil {
			return queued, err
		}
		queued = append(queued, ref.ClipID)
	}
	return queued, nil
}

func enqueueThumbnail(ctx context.Context, q queue.Enqueuer, tenantID, channelID string, clipID uuid.UUID) error {
	job, err := jobs.New(tenantID, channelID, jobs.Thumbnail{ClipID: clipID})
	if err != nil {
		return err
	}
	if _, err := q.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue thumbnail %s: %w", job.ID, err)
	}
	return nil
}
