// Package purge deletes everything derived from a channel or a whole tenant.
//
// A purge first cancels the scans in scope and waits until no page is being
// written, so no scan can re-insert rows behind the delete.
package purge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"thirdcoast.systems/clipscan/internal/db"
	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/internal/jobs"
	"thirdcoast.systems/clipscan/internal/queue"
	"thirdcoast.systems/clipscan/internal/thumbnail"
)

// ErrCooldown is returned when the scope was purged within the cooldown.
var ErrCooldown = errors.New("purge: scope was purged recently")

// Store is the persistence a purge needs. *db.Store satisfies it.
type Store interface {
	ClaimPurge(ctx context.Context, scope db.PurgeScope, tenantID, channelID string, cooldown time.Duration) (bool, error)
	ReleasePurge(ctx context.Context, scope db.PurgeScope, tenantID, channelID string) error
	ForceCancelScans(ctx context.Context, tenantID, channelID string) (int64, error)
	ScopeQuiesced(ctx context.Context, tenantID, channelID string, staleAfter time.Duration) (bool, error)
	PurgeData(ctx context.Context, tenantID, channelID string) (*db.PurgeResult, error)
}

type Config struct {
	Cooldown time.Duration
	// QuiesceTimeout bounds the wait for in-flight pages. Markers older than
	// this are treated as abandoned.
	QuiesceTimeout time.Duration
	PollInterval   time.Duration
}

type Purger struct {
	store    Store
	storage  thumbnail.Storage
	queue    queue.Enqueuer
	cfg      Config
	variants []thumbnail.Variant
}

func NewPurger(store Store, storage thumbnail.Storage, q queue.Enqueuer, cfg Config) *Purger {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Purger{store: store, storage: storage, queue: q, cfg: cfg, variants: thumbnail.Variants}
}

func (p *Purger) HandlePurgeChannel(ctx context.Context, job jobs.Job) error {
	if _, ok := job.Payload.(jobs.PurgeChannel); !ok {
		return failure.Permanentf("purge_channel: unexpected payload %T", job.Payload)
	}
	return p.purge(ctx, job, db.PurgeScopeChannel, job.ChannelID)
}

func (p *Purger) HandlePurgeGuild(ctx context.Context, job jobs.Job) error {
	if _, ok := job.Payload.(jobs.PurgeGuild); !ok {
		return failure.Permanentf("purge_guild: unexpected payload %T", job.Payload)
	}
	return p.purge(ctx, job, db.PurgeScopeGuild, "")
}

// Request enqueues a purge of the channel, or of the whole tenant when scope is guild.
func (p *Purger) Request(ctx context.Context, scope db.PurgeScope, tenantID, channelID string) (jobs.Job, error) {
	var payload jobs.Payload
	switch scope {
	case db.PurgeScopeChannel:
		payload = jobs.PurgeChannel{}
	case db.PurgeScopeGuild:
		payload, channelID = jobs.PurgeGuild{}, ""
	default:
		return jobs.Job{}, failure.Permanentf("unknown purge scope %q", scope)
	}
	job, err := jobs.New(tenantID, channelID, payload)
	if err != nil {
		return jobs.Job{}, failure.Permanent(err)
	}
	if _, err := p.queue.Enqueue(ctx, job); err != nil {
		return jobs.Job{}, fmt.Errorf("enqueue %s: %w", job.Kind(), err)
	}
	slog.Info("purge requested", "job_id", job.ID, "scope", scope, "tenant_id", tenantID, "channel_id", channelID)
	return job, nil
}

func (p *Purger) purge(ctx context.Context, job jobs.Job, scope db.PurgeScope, channelID string) error {
	log := slog.With("job_id", job.ID, "kind", job.Kind(), "tenant_id", job.TenantID, "channel_id", channelID)

	claimed, err := p.store.ClaimPurge(ctx, scope, job.TenantID, channelID, p.cfg.Cooldown)
	if err != nil {
		return fmt.Errorf("claim purge: %w", err)
	}
	if !claimed {
		log.Warn("purge skipped, scope is in cooldown", "cooldown", p.cfg.Cooldown)
		return failure.Conflict(fmt.Errorf("%w: %s %s/%s", ErrCooldown, scope, job.TenantID, channelID))
	}

	res, err := p.run(ctx, log, job.TenantID, channelID)
	if err != nil {
		// Let the re-delivered job through the cooldown gate.
		if rerr := p.store.ReleasePurge(context.WithoutCancel(ctx), scope, job.TenantID, channelID); rerr != nil {
			log.Error("failed to release purge claim", "error", rerr)
		}
		return err
	}

	removed := p.deleteThumbnails(ctx, log, res.Clips)
	log.Info("purge completed",
		"clips", len(res.Clips),
		"thumbnails_removed", removed,
		"messages", res.Messages,
		"failed_thumbnails", res.FailedThumbnails,
		"pages", res.Pages,
		"authors", res.Authors,
	)
	return nil
}

func (p *Purger) run(ctx context.Context, log *slog.Logger, tenantID, channelID string) (*db.PurgeResult, error) {
	cancelled, err := p.store.ForceCancelScans(ctx, tenantID, channelID)
	if err != nil {
		return nil, fmt.Errorf("cancel scans: %w", err)
	}
	log.Info("scans cancelled for purge", "scans", cancelled)

	if err := p.waitQuiesced(ctx, log, tenantID, channelID); err != nil {
		return nil, err
	}

	res, err := p.store.PurgeData(ctx, tenantID, channelID)
	if err != nil {
		return nil, fmt.Errorf("purge data: %w", err)
	}
	return res, nil
}

// waitQuiesced polls until no page in scope is in flight. Past the quiesce
// timeout the remaining markers count as abandoned and the purge proceeds.
func (p *Purger) waitQuiesced(ctx context.Context, log *slog.Logger, tenantID, channelID string) error {
	deadline := time.Now().Add(p.cfg.QuiesceTimeout)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := p.store.ScopeQuiesced(ctx, tenantID, channelID, p.cfg.QuiesceTimeout)
		if err != nil {
			return fmt.Errorf("check quiesced: %w", err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			log.Warn("scope did not quiesce in time, purging anyway", "timeout", p.cfg.QuiesceTimeout)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// deleteThumbnails removes stored variants. Leftover files are orphans and
// only logged.
func (p *Purger) deleteThumbnails(ctx context.Context, log *slog.Logger, clips []uuid.UUID) int {
	if p.storage == nil {
		return 0
	}
	removed := 0
	for _, id := range clips {
		if err := thumbnail.DeleteClip(ctx, p.storage, id, p.variants); err != nil {
			log.Warn("failed to delete thumbnails", "clip_id", id, "error", err)
			continue
		}
		removed++
	}
	return removed
}
