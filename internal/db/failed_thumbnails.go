package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RecordThumbnailFailure increments the clip's attempt counter, stores
// next_retry_at as returned by schedule, and marks the clip failed. schedule
// returns ok=false once the clip must not be retried again.
func (q *Queries) RecordThumbnailFailure(ctx context.Context, clipID uuid.UUID, lastError string, schedule func(attempts int) (time.Time, bool)) (*FailedThumbnail, error) {
	var f FailedThumbnail
	err := q.db.QueryRow(ctx, `
INSERT INTO failed_thumbnails (clip_id, attempts, last_error)
VALUES ($1, 1, $2)
ON CONFLICT (clip_id) DO UPDATE SET
	attempts = failed_thumbnails.attempts + 1,
	last_error = EXCLUDED.last_error,
	updated_at = now()
RETURNING clip_id, attempts, last_error, created_at`, clipID, lastError).Scan(&f.ClipID, &f.Attempts, &f.LastError, &f.CreatedAt)
	if err != nil {
		return nil, err
	}

	next, ok := schedule(f.Attempts)
	f.Permanent = !ok
	if ok {
		f.NextRetryAt = &next
	}
	err = q.db.QueryRow(ctx, `
UPDATE failed_thumbnails SET next_retry_at = $2, permanent = $3, updated_at = now()
WHERE clip_id = $1 RETURNING updated_at`, clipID, f.NextRetryAt, f.Permanent).Scan(&f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := q.SetThumbnailStatus(ctx, clipID, ThumbnailFailed); err != nil {
		return nil, err
	}
	return &f, nil
}

func (q *Queries) GetFailedThumbnail(ctx context.Context, clipID uuid.UUID) (*FailedThumbnail, error) {
	var f FailedThumbnail
	err := q.db.QueryRow(ctx, `
SELECT clip_id, attempts, last_error, next_retry_at, permanent, created_at, updated_at
FROM failed_thumbnails WHERE clip_id = $1`, clipID).Scan(
		&f.ClipID, &f.Attempts, &f.LastError, &f.NextRetryAt, &f.Permanent, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ClaimDueThumbnails leases failed thumbnails whose retry time has passed by
// moving next_retry_at to now+lease. A claim whose job never reaches the queue
// is picked up again once the lease runs out.
func (q *Queries) ClaimDueThumbnails(ctx context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]ClipRef, error) {
	rows, err := q.db.Query(ctx, `
WITH due AS (
	SELECT f.clip_id FROM failed_thumbnails f
	WHERE NOT f.permanent AND f.next_retry_at <= $1 AND f.attempts < $2
	ORDER BY f.next_retry_at
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE failed_thumbnails f SET next_retry_at = $4, updated_at = now()
FROM due, clips c
WHERE f.clip_id = due.clip_id AND c.clip_id = f.clip_id
RETURNING c.clip_id, c.tenant_id, c.channel_id, f.attempts`, now, maxAttempts, limit, now.Add(lease))
	if err != nil {
		return nil, err
	}
	return collectClipRefs(rows)
}

// MarkRetryQueued returns failed clips whose retry job was enqueued to pending.
func (q *Queries) MarkRetryQueued(ctx context.Context, clipIDs []uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
UPDATE clips SET thumbnail_status = 'pending', thumbnail_updated_at = now()
WHERE clip_id = ANY($1) AND thumbnail_status = 'failed'`, clipIDs)
	return err
}
