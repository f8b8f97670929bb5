package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the retrying storage facade used by the pipeline. Every call runs
// under the Store's RetryPolicy; multi-statement writes run in one transaction.
type Store struct {
	dbc    *DatabaseConnection
	policy RetryPolicy
}

func NewStore(dbc *DatabaseConnection, policy RetryPolicy) *Store {
	return &Store{dbc: dbc, policy: policy}
}

func call[T any](ctx context.Context, s *Store, op string, fn func(ctx context.Context, q *Queries) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, s.policy, op, func(ctx context.Context) error {
		v, err := fn(ctx, s.dbc.Queries(ctx))
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func callTx[T any](ctx context.Context, s *Store, op string, fn func(ctx context.Context, q *Queries) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, s.policy, op, func(ctx context.Context) error {
		return s.dbc.InTx(ctx, func(q *Queries) error {
			v, err := fn(ctx, q)
			if err != nil {
				return err
			}
			out = v
			return nil
		})
	})
	return out, err
}

func exec(ctx context.Context, s *Store, op string, fn func(ctx context.Context, q *Queries) error) error {
	_, err := call(ctx, s, op, func(ctx context.Context, q *Queries) (struct{}, error) {
		return struct{}{}, fn(ctx, q)
	})
	return err
}

func (s *Store) GetScanStatus(ctx context.Context, tenantID, channelID string) (*ScanStatus, error) {
	return call(ctx, s, "get scan status", func(ctx context.Context, q *Queries) (*ScanStatus, error) {
		return q.GetScanStatus(ctx, tenantID, channelID)
	})
}

func (s *Store) ListScanStatuses(ctx context.Context, tenantID string) ([]*ScanStatus, error) {
	return call(ctx, s, "list scan statuses", func(ctx context.Context, q *Queries) ([]*ScanStatus, error) {
		return q.ListScanStatuses(ctx, tenantID)
	})
}

func (s *Store) BeginScan(ctx context.Context, arg BeginScanParams) (*ScanStatus, error) {
	return call(ctx, s, "begin scan", func(ctx context.Context, q *Queries) (*ScanStatus, error) {
		return q.BeginScan(ctx, arg)
	})
}

func (s *Store) TransitionScan(ctx context.Context, arg TransitionScanParams) (bool, error) {
	return call(ctx, s, "transition scan", func(ctx context.Context, q *Queries) (bool, error) {
		return q.TransitionScan(ctx, arg)
	})
}

func (s *Store) ClaimScanPage(ctx context.Context, tenantID, channelID string, jobID uuid.UUID) (*ScanStatus, error) {
	return call(ctx, s, "claim scan page", func(ctx context.Context, q *Queries) (*ScanStatus, error) {
		return q.ClaimScanPage(ctx, tenantID, channelID, jobID)
	})
}

func (s *Store) ClearInFlight(ctx context.Context, tenantID, channelID string, jobID uuid.UUID) error {
	return exec(ctx, s, "clear in-flight", func(ctx context.Context, q *Queries) error {
		return q.ClearInFlight(ctx, tenantID, channelID, jobID)
	})
}

func (s *Store) PlanScanPage(ctx context.Context, plan ScanPagePlan) (ScanPagePlan, error) {
	return call(ctx, s, "plan scan page", func(ctx context.Context, q *Queries) (ScanPagePlan, error) {
		return q.PlanScanPage(ctx, plan)
	})
}

func (s *Store) RecordScanPage(ctx context.Context, arg RecordScanPageParams) (bool, error) {
	return callTx(ctx, s, "record scan page", func(ctx context.Context, q *Queries) (bool, error) {
		return q.RecordScanPage(ctx, arg)
	})
}

func (s *Store) ExistingMessageIDs(ctx context.Context, tenantID string, ids []string) (map[string]struct{}, error) {
	return call(ctx, s, "existing message ids", func(ctx context.Context, q *Queries) (map[string]struct{}, error) {
		return q.ExistingMessageIDs(ctx, tenantID, ids)
	})
}

func (s *Store) UpsertAuthors(ctx context.Context, rows []Author) (BulkResult, error) {
	return call(ctx, s, "upsert authors", func(ctx context.Context, q *Queries) (BulkResult, error) {
		return q.UpsertAuthors(ctx, rows)
	})
}

func (s *Store) UpsertMessages(ctx context.Context, rows []Message) (BulkResult, error) {
	return call(ctx, s, "upsert messages", func(ctx context.Context, q *Queries) (BulkResult, error) {
		return q.UpsertMessages(ctx, rows)
	})
}

func (s *Store) UpsertClips(ctx context.Context, rows []Clip) (BulkResult, error) {
	return call(ctx, s, "upsert clips", func(ctx context.Context, q *Queries) (BulkResult, error) {
		return q.UpsertClips(ctx, rows)
	})
}

func (s *Store) ClipsNeedingThumbnail(ctx context.Context, ids []uuid.UUID, all bool) ([]uuid.UUID, error) {
	return call(ctx, s, "clips needing thumbnail", func(ctx context.Context, q *Queries) ([]uuid.UUID, error) {
		return q.ClipsNeedingThumbnail(ctx, ids, all)
	})
}

func (s *Store) GetClip(ctx context.Context, clipID uuid.UUID) (*Clip, error) {
	return call(ctx, s, "get clip", func(ctx context.Context, q *Queries) (*Clip, error) {
		return q.GetClip(ctx, clipID)
	})
}

func (s *Store) SetThumbnailStatus(ctx context.Context, clipID uuid.UUID, status ThumbnailStatus) error {
	return exec(ctx, s, "set thumbnail status", func(ctx context.Context, q *Queries) error {
		return q.SetThumbnailStatus(ctx, clipID, status)
	})
}

func (s *Store) CompleteThumbnail(ctx context.Context, clipID uuid.UUID, path string) error {
	_, err := callTx(ctx, s, "complete thumbnail", func(ctx context.Context, q *Queries) (struct{}, error) {
		return struct{}{}, q.CompleteThumbnail(ctx, clipID, path)
	})
	return err
}

func (s *Store) RecordThumbnailFailure(ctx context.Context, clipID uuid.UUID, lastError string, schedule func(attempts int) (time.Time, bool)) (*FailedThumbnail, error) {
	return callTx(ctx, s, "record thumbnail failure", func(ctx context.Context, q *Queries) (*FailedThumbnail, error) {
		return q.RecordThumbnailFailure(ctx, clipID, lastError, schedule)
	})
}

func (s *Store) ClaimDueThumbnails(ctx context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]ClipRef, error) {
	return call(ctx, s, "claim due thumbnails", func(ctx context.Context, q *Queries) ([]ClipRef, error) {
		return q.ClaimDueThumbnails(ctx, now, lease, maxAttempts, limit)
	})
}

func (s *Store) MarkRetryQueued(ctx context.Context, clipIDs []uuid.UUID) error {
	return exec(ctx, s, "mark retry queued", func(ctx context.Context, q *Queries) error {
		return q.MarkRetryQueued(ctx, clipIDs)
	})
}

func (s *Store) ListStuckThumbnails(ctx context.Context, tenantID string, olderThan time.Duration) ([]ClipRef, error) {
	return call(ctx, s, "list stuck thumbnails", func(ctx context.Context, q *Queries) ([]ClipRef, error) {
		return q.ListStuckThumbnails(ctx, tenantID, olderThan)
	})
}

func (s *Store) ResetStuckThumbnails(ctx context.Context, clipIDs []uuid.UUID, olderThan time.Duration) (int64, error) {
	return call(ctx, s, "reset stuck thumbnails", func(ctx context.Context, q *Queries) (int64, error) {
		return q.ResetStuckThumbnails(ctx, clipIDs, olderThan)
	})
}

func (s *Store) ClaimPurge(ctx context.Context, scope PurgeScope, tenantID, channelID string, cooldown time.Duration) (bool, error) {
	return call(ctx, s, "claim purge", func(ctx context.Context, q *Queries) (bool, error) {
		return q.ClaimPurge(ctx, scope, tenantID, channelID, cooldown)
	})
}

func (s *Store) ReleasePurge(ctx context.Context, scope PurgeScope, tenantID, channelID string) error {
	return exec(ctx, s, "release purge", func(ctx context.Context, q *Queries) error {
		return q.ReleasePurge(ctx, scope, tenantID, channelID)
	})
}

func (s *Store) ForceCancelScans(ctx context.Context, tenantID, channelID string) (int64, error) {
	return call(ctx, s, "force cancel scans", func(ctx context.Context, q *Queries) (int64, error) {
		return q.ForceCancelScans(ctx, tenantID, channelID)
	})
}

func (s *Store) ScopeQuiesced(ctx context.Context, tenantID, channelID string, staleAfter time.Duration) (bool, error) {
	return call(ctx, s, "scope quiesced", func(ctx context.Context, q *Queries) (bool, error) {
		return q.ScopeQuiesced(ctx, tenantID, channelID, staleAfter)
	})
}

func (s *Store) PurgeData(ctx context.Context, tenantID, channelID string) (*PurgeResult, error) {
	return callTx(ctx, s, "purge data", func(ctx context.Context, q *Queries) (*PurgeResult, error) {
		return q.PurgeData(ctx, tenantID, channelID)
	})
}

func (s *Store) GetGuildSettings(ctx context.Context, guildID string) (SettingsDoc, error) {
	return call(ctx, s, "get guild settings", func(ctx context.Context, q *Queries) (SettingsDoc, error) {
		return q.GetGuildSettings(ctx, guildID)
	})
}

func (s *Store) GetChannelSettings(ctx context.Context, guildID, channelID string) (SettingsDoc, error) {
	return call(ctx, s, "get channel settings", func(ctx context.Context, q *Queries) (SettingsDoc, error) {
		return q.GetChannelSettings(ctx, guildID, channelID)
	})
}

// PutSettings stores a guild (empty channelID) or channel settings row and
// notifies listeners in the same transaction.
func (s *Store) PutSettings(ctx context.Context, guildID, channelID string, doc SettingsDoc) error {
	_, err := callTx(ctx, s, "put settings", func(ctx context.Context, q *Queries) (struct{}, error) {
		var err error
		if channelID == "" {
			err = q.PutGuildSettings(ctx, guildID, doc)
		} else {
			err = q.PutChannelSettings(ctx, guildID, channelID, doc)
		}
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, q.NotifySettingsChanged(ctx, guildID, channelID)
	})
	return err
}
