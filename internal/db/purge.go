package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PurgeScope string

const (
	PurgeScopeChannel PurgeScope = "channel"
	PurgeScopeGuild   PurgeScope = "guild"
)

// ClaimPurge records a purge of (scope, tenant, channel) unless one happened
// within cooldown, in which case it reports false.
func (q *Queries) ClaimPurge(ctx context.Context, scope PurgeScope, tenantID, channelID string, cooldown time.Duration) (bool, error) {
	tag, err := q.db.Exec(ctx, `
INSERT INTO purge_log (scope, tenant_id, channel_id, last_purged_at) VALUES ($1, $2, $3, now())
ON CONFLICT (scope, tenant_id, channel_id) DO UPDATE SET last_purged_at = now()
WHERE purge_log.last_purged_at < now() - make_interval(secs => $4)`,
		string(scope), tenantID, channelID, cooldown.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleasePurge forgets the last purge of (scope, tenant, channel) so an
// interrupted purge can run again before its cooldown ends.
func (q *Queries) ReleasePurge(ctx context.Context, scope PurgeScope, tenantID, channelID string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM purge_log WHERE scope = $1 AND tenant_id = $2 AND channel_id = $3`,
		string(scope), tenantID, channelID)
	return err
}

// PurgeResult counts rows removed by PurgeData.
type PurgeResult struct {
	Clips            []uuid.UUID
	FailedThumbnails int64
	Messages         int64
	Pages            int64
	Authors          int64
}

// PurgeData deletes derived rows in scope. An empty channelID purges the whole
// tenant including its authors. Scan status rows are kept.
func (q *Queries) PurgeData(ctx context.Context, tenantID, channelID string) (*PurgeResult, error) {
	var res PurgeResult

	tag, err := q.db.Exec(ctx, `
DELETE FROM failed_thumbnails f USING clips c
WHERE f.clip_id = c.clip_id AND c.tenant_id = $1 AND ($2 = '' OR c.channel_id = $2)`, tenantID, channelID)
	if err != nil {
		return nil, err
	}
	res.FailedThumbnails = tag.RowsAffected()

	rows, err := q.db.Query(ctx, `
DELETE FROM clips WHERE tenant_id = $1 AND ($2 = '' OR channel_id = $2) RETURNING clip_id`, tenantID, channelID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		res.Clips = append(res.Clips, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if tag, err = q.db.Exec(ctx, `DELETE FROM messages WHERE tenant_id = $1 AND ($2 = '' OR channel_id = $2)`, tenantID, channelID); err != nil {
		return nil, err
	}
	res.Messages = tag.RowsAffected()

	if tag, err = q.db.Exec(ctx, `DELETE FROM scan_pages WHERE tenant_id = $1 AND ($2 = '' OR channel_id = $2)`, tenantID, channelID); err != nil {
		return nil, err
	}
	res.Pages = tag.RowsAffected()

	if channelID == "" {
		if tag, err = q.db.Exec(ctx, `DELETE FROM authors WHERE tenant_id = $1`, tenantID); err != nil {
			return nil, err
		}
		res.Authors = tag.RowsAffected()
	}

	if err := q.MarkScansPurged(ctx, tenantID, channelID); err != nil {
		return nil, err
	}
	return &res, nil
}
