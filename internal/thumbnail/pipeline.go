// Package thumbnail renders and stores thumbnail variants for clips and
// retries failed renders with backoff outside the hot path.
package thumbnail

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"thirdcoast.systems/clipscan/internal/db"
	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/internal/jobs"
)

// Store is the persistence the thumbnail subsystem needs. *db.Store satisfies it.
type Store interface {
	GetClip(ctx context.Context, clipID uuid.UUID) (*db.Clip, error)
	SetThumbnailStatus(ctx context.Context, clipID uuid.UUID, status db.ThumbnailStatus) error
	CompleteThumbnail(ctx context.Context, clipID uuid.UUID, path string) error
	RecordThumbnailFailure(ctx context.Context, clipID uuid.UUID, lastError string, schedule func(attempts int) (time.Time, bool)) (*db.FailedThumbnail, error)
	ClaimDueThumbnails(ctx context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]db.ClipRef, error)
	MarkRetryQueued(ctx context.Context, clipIDs []uuid.UUID) error
	ListStuckThumbnails(ctx context.Context, tenantID string, olderThan time.Duration) ([]db.ClipRef, error)
	ResetStuckThumbnails(ctx context.Context, clipIDs []uuid.UUID, olderThan time.Duration) (int64, error)
}

// Fetcher downloads an attachment to a local file. *Downloader satisfies it.
type Fetcher interface {
	Download(ctx context.Context, url, name string) (*Download, error)
}

type Pipeline struct {
	store      Store
	fetch      Fetcher
	transcoder Transcoder
	storage    Storage
	backoff    Backoff
	variants   []Variant
	workDir    string
	now        func() time.Time
}

func NewPipeline(store Store, fetch Fetcher, transcoder Transcoder, storage Storage, backoff Backoff, workDir string) *Pipeline {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Pipeline{
		store:      store,
		fetch:      fetch,
		transcoder: transcoder,
		storage:    storage,
		backoff:    backoff,
		variants:   Variants,
		workDir:    workDir,
		now:        time.Now,
	}
}

// Handle renders all variants of the job's clip. A failure is recorded with a
// retry schedule and returned as permanent so the delivery is acknowledged;
// the sweeper owns the retry. Shutdown is returned unrecorded.
func (p *Pipeline) Handle(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(jobs.Thumbnail)
	if !ok {
		return failure.Permanentf("thumbnail: unexpected payload %T", job.Payload)
	}
	log := slog.With("job_id", job.ID, "tenant_id", job.TenantID, "channel_id", job.ChannelID, "clip_id", payload.ClipID)

	clip, err := p.store.GetClip(ctx, payload.ClipID)
	if db.IsNotFound(err) {
		log.Info("clip no longer exists, skipping thumbnail")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load clip: %w", err)
	}

	if !payload.Force && clip.ThumbnailStatus == db.ThumbnailCompleted {
		done, err := p.haveAllVariants(ctx, clip.ClipID)
		if err != nil {
			return err
		}
		if done {
			log.Debug("thumbnail already complete")
			return nil
		}
	}

	if err := p.store.SetThumbnailStatus(ctx, clip.ClipID, db.ThumbnailProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	if err := p.render(ctx, clip); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return p.recordFailure(ctx, log, clip, err)
	}

	key := VariantKey(clip.ClipID, DefaultVariant)
	if err := p.store.CompleteThumbnail(ctx, clip.ClipID, key); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	log.Info("thumbnail completed", "path", key, "variants", len(p.variants))
	return nil
}

func (p *Pipeline) haveAllVariants(ctx context.Context, clipID uuid.UUID) (bool, error) {
	for _, v := range p.variants {
		ok, err := p.storage.Exists(ctx, VariantKey(clipID, v.Name))
		if err != nil {
			return false, fmt.Errorf("check variant %s: %w", v.Name, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (p *Pipeline) render(ctx context.Context, clip *db.Clip) error {
	dir, err := os.MkdirTemp(p.workDir, "thumb-"+clip.ClipID.String()+"-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	dl, err := p.fetch.Download(ctx, clip.URL, clip.Filename)
	if err != nil {
		return err
	}
	defer os.Remove(dl.Path)

	contentType := clip.ContentType
	if contentType == "" {
		contentType = dl.ContentType
	}
	outputs, err := p.transcoder.Transcode(ctx, dl.Path, contentType, dir, p.variants)
	if err != nil {
		return err
	}

	for _, out := range outputs {
		data, err := os.ReadFile(out.Path)
		if err != nil {
			return fmt.Errorf("read %s output: %w", out.Variant.Name, err)
		}
		if err := p.storage.Write(ctx, VariantKey(clip.ClipID, out.Variant.Name), data); err != nil {
			return fmt.Errorf("store %s: %w", out.Variant.Name, err)
		}
	}
	return nil
}

// giveUp schedules no retry.
func giveUp(int) (time.Time, bool) { return time.Time{}, false }

func (p *Pipeline) recordFailure(ctx context.Context, log *slog.Logger, clip *db.Clip, cause error) error {
	schedule := p.backoff.Schedule(p.now())
	if failure.Classify(cause) == failure.PermanentData {
		// Missing, forbidden or oversized media does not get better with time.
		schedule = giveUp
	}
	f, err := p.store.RecordThumbnailFailure(ctx, clip.ClipID, cause.Error(), schedule)
	if err != nil {
		// Not recorded: leave the delivery for re-delivery.
		return fmt.Errorf("record thumbnail failure: %w (cause: %v)", err, cause)
	}
	if f.Permanent {
		log.Error("thumbnail failed permanently", "attempts", f.Attempts, "error", cause)
	} else {
		log.Warn("thumbnail failed, retry scheduled", "attempts", f.Attempts, "next_retry_at", f.NextRetryAt,
			"kind", failure.Classify(cause), "error", cause)
	}
	return failure.Permanent(fmt.Errorf("thumbnail %s: %w", clip.ClipID, cause))
}
