package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func collectClipRefs(rows pgx.Rows) ([]ClipRef, error) {
	defer rows.Close()
	var out []ClipRef
	for rows.Next() {
		var r ClipRef
		if err := rows.Scan(&r.ClipID, &r.TenantID, &r.ChannelID, &r.Attempts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExistingMessageIDs returns which of ids are already stored for the tenant.
func (q *Queries) ExistingMessageIDs(ctx context.Context, tenantID string, ids []string) (map[string]struct{}, error) {
	seen := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return seen, nil
	}
	rows, err := q.db.Query(ctx, `SELECT message_id FROM messages WHERE tenant_id = $1 AND message_id = ANY($2::text[])`,
		tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen[id] = struct{}{}
	}
	return seen, rows.Err()
}

// ClipsNeedingThumbnail filters ids down to clips still waiting for a
// thumbnail. With all set every existing clip among ids is returned.
func (q *Queries) ClipsNeedingThumbnail(ctx context.Context, ids []uuid.UUID, all bool) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.db.Query(ctx, `
SELECT clip_id FROM clips
WHERE clip_id = ANY($1::uuid[]) AND ($2 OR thumbnail_status = 'pending')
ORDER BY clip_id`, uuidStrings(ids), all)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (q *Queries) GetClip(ctx context.Context, clipID uuid.UUID) (*Clip, error) {
	var c Clip
	err := q.db.QueryRow(ctx, `
SELECT clip_id, message_id, filename_hash, tenant_id, channel_id, filename, url, content_type,
	size_bytes, width, height, thumbnail_status, thumbnail_path, thumbnail_updated_at, updated_at
FROM clips WHERE clip_id = $1`, clipID).Scan(
		&c.ClipID, &c.MessageID, &c.FilenameHash, &c.TenantID, &c.ChannelID, &c.Filename, &c.URL, &c.ContentType,
		&c.SizeBytes, &c.Width, &c.Height, &c.ThumbnailStatus, &c.ThumbnailPath, &c.ThumbnailUpdatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (q *Queries) SetThumbnailStatus(ctx context.Context, clipID uuid.UUID, status ThumbnailStatus) error {
	_, err := q.db.Exec(ctx, `UPDATE clips SET thumbnail_status = $2, thumbnail_updated_at = now() WHERE clip_id = $1`,
		clipID, string(status))
	return err
}

// CompleteThumbnail marks the clip completed and drops its failure record.
func (q *Queries) CompleteThumbnail(ctx context.Context, clipID uuid.UUID, path string) error {
	if _, err := q.db.Exec(ctx, `
UPDATE clips SET thumbnail_status = 'completed', thumbnail_path = $2, thumbnail_updated_at = now()
WHERE clip_id = $1`, clipID, path); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx, `DELETE FROM failed_thumbnails WHERE clip_id = $1`, clipID)
	return err
}

// ListStuckThumbnails returns clips of tenant that sat in processing longer
// than olderThan.
func (q *Queries) ListStuckThumbnails(ctx context.Context, tenantID string, olderThan time.Duration) ([]ClipRef, error) {
	rows, err := q.db.Query(ctx, `
SELECT clip_id, tenant_id, channel_id, 0 FROM clips
WHERE tenant_id = $1 AND thumbnail_status = 'processing'
  AND thumbnail_updated_at < now() - make_interval(secs => $2)`, tenantID, olderThan.Seconds())
	if err != nil {
		return nil, err
	}
	return collectClipRefs(rows)
}

// ResetStuckThumbnails moves the listed clips from processing to pending if
// they are still stuck. A clip a worker picked up in the meantime is left alone.
func (q *Queries) ResetStuckThumbnails(ctx context.Context, clipIDs []uuid.UUID, olderThan time.Duration) (int64, error) {
	tag, err := q.db.Exec(ctx, `
UPDATE clips SET thumbnail_status = 'pending', thumbnail_updated_at = now()
WHERE clip_id = ANY($1) AND thumbnail_status = 'processing'
  AND thumbnail_updated_at < now() - make_interval(secs => $2)`, clipIDs, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
