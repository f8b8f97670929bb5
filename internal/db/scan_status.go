package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const scanStatusColumns = `tenant_id, channel_id, status, direction, rescan_mode, forward_cursor, backward_cursor,
	message_count, total_messages_scanned, pages_processed, error_message, current_job_id,
	in_flight_job_id, in_flight_since, created_at, updated_at, started_at, finished_at`

func scanScanStatus(row pgx.Row) (*ScanStatus, error) {
	var s ScanStatus
	err := row.Scan(
		&s.TenantID, &s.ChannelID, &s.Status, &s.Direction, &s.RescanMode, &s.ForwardCursor, &s.BackwardCursor,
		&s.MessageCount, &s.TotalMessagesScanned, &s.PagesProcessed, &s.ErrorMessage, &s.CurrentJobID,
		&s.InFlightJobID, &s.InFlightSince, &s.CreatedAt, &s.UpdatedAt, &s.StartedAt, &s.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (q *Queries) GetScanStatus(ctx context.Context, tenantID, channelID string) (*ScanStatus, error) {
	row := q.db.QueryRow(ctx, `SELECT `+scanStatusColumns+` FROM scan_status WHERE tenant_id = $1 AND channel_id = $2`,
		tenantID, channelID)
	return scanScanStatus(row)
}

func (q *Queries) ListScanStatuses(ctx context.Context, tenantID string) ([]*ScanStatus, error) {
	rows, err := q.db.Query(ctx, `SELECT `+scanStatusColumns+` FROM scan_status WHERE tenant_id = $1 ORDER BY channel_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScanStatus
	for rows.Next() {
		s, err := scanScanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type BeginScanParams struct {
	TenantID   string
	ChannelID  string
	Direction  string
	RescanMode string
	JobID      uuid.UUID
	// StaleAfter is how old a PENDING row must be before another start may replace it.
	StaleAfter time.Duration
}

// ErrScanActive is returned by BeginScan when the channel already has an active scan.
var ErrScanActive = errors.New("scan already active")

// BeginScan upserts the channel's row to PENDING for a new run. The upsert
// only applies when no row exists, the current run is terminal, or a PENDING
// row has gone stale. Otherwise it returns ErrScanActive and leaves the row as is.
func (q *Queries) BeginScan(ctx context.Context, arg BeginScanParams) (*ScanStatus, error) {
	row := q.db.QueryRow(ctx, `
INSERT INTO scan_status (tenant_id, channel_id, status, direction, rescan_mode, current_job_id)
VALUES ($1, $2, 'PENDING', $3, $4, $5)
ON CONFLICT (tenant_id, channel_id) DO UPDATE SET
	status = 'PENDING',
	direction = EXCLUDED.direction,
	rescan_mode = EXCLUDED.rescan_mode,
	current_job_id = EXCLUDED.current_job_id,
	message_count = 0,
	pages_processed = 0,
	error_message = NULL,
	in_flight_job_id = NULL,
	in_flight_since = NULL,
	started_at = NULL,
	finished_at = NULL,
	updated_at = now()
WHERE scan_status.status IN ('SUCCEEDED', 'FAILED', 'CANCELLED')
   OR (scan_status.status = 'PENDING' AND scan_status.updated_at < now() - make_interval(secs => $6))
RETURNING `+scanStatusColumns,
		arg.TenantID, arg.ChannelID, arg.Direction, arg.RescanMode, arg.JobID, arg.StaleAfter.Seconds())
	s, err := scanScanStatus(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrScanActive
	}
	return s, err
}

type TransitionScanParams struct {
	TenantID  string
	ChannelID string
	From      []ScanState
	To        ScanState
	// ExpectJobID additionally requires current_job_id to match.
	ExpectJobID uuid.NullUUID
	// SetJobID replaces current_job_id when valid.
	SetJobID     uuid.NullUUID
	ErrorMessage *string
}

// TransitionScan performs a conditional status update and reports whether it applied.
func (q *Queries) TransitionScan(ctx context.Context, arg TransitionScanParams) (bool, error) {
	from := make([]string, len(arg.From))
	for i, s := range arg.From {
		from[i] = string(s)
	}
	tag, err := q.db.Exec(ctx, `
UPDATE scan_status SET
	status = $4,
	current_job_id = COALESCE($6, current_job_id),
	error_message = COALESCE($7, error_message),
	started_at = CASE WHEN $4 = 'RUNNING' THEN COALESCE(started_at, now()) ELSE started_at END,
	finished_at = CASE WHEN $4 IN ('SUCCEEDED', 'FAILED', 'CANCELLED') THEN now() ELSE NULL END,
	updated_at = now()
WHERE tenant_id = $1 AND channel_id = $2
  AND status = ANY($3::text[])
  AND ($5::uuid IS NULL OR current_job_id = $5)`,
		arg.TenantID, arg.ChannelID, from, string(arg.To), arg.ExpectJobID, arg.SetJobID, arg.ErrorMessage)
	if err != nil {
		return false, fmt.Errorf("transition scan to %s: %w", arg.To, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimScanPage moves a QUEUED or RUNNING scan whose current job is jobID to
// RUNNING and records jobID as the in-flight page. It returns pgx.ErrNoRows
// when the job no longer owns the scan.
func (q *Queries) ClaimScanPage(ctx context.Context, tenantID, channelID string, jobID uuid.UUID) (*ScanStatus, error) {
	row := q.db.QueryRow(ctx, `
UPDATE scan_status SET
	status = 'RUNNING',
	in_flight_job_id = $3,
	in_flight_since = now(),
	started_at = COALESCE(started_at, now()),
	updated_at = now()
WHERE tenant_id = $1 AND channel_id = $2
  AND status IN ('QUEUED', 'RUNNING')
  AND current_job_id = $3
RETURNING `+scanStatusColumns, tenantID, channelID, jobID)
	return scanScanStatus(row)
}

// ClearInFlight releases the in-flight marker held by jobID.
func (q *Queries) ClearInFlight(ctx context.Context, tenantID, channelID string, jobID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
UPDATE scan_status SET in_flight_job_id = NULL, in_flight_since = NULL
WHERE tenant_id = $1 AND channel_id = $2 AND in_flight_job_id = $3`, tenantID, channelID, jobID)
	return err
}

// ScanPagePlan is the filtering decision taken for one page job. It is stored
// before the page is persisted so a re-delivered job repeats the decision
// instead of judging its own writes as previously seen.
type ScanPagePlan struct {
	JobID      uuid.UUID
	TenantID   string
	ChannelID  string
	Fetched    int
	ScannedIDs []string
	KeptIDs    []string
	Halted     bool
	// Replayed is set when the returned plan was stored by an earlier delivery.
	Replayed bool
}

// PlanScanPage stores plan for its job id unless one exists and returns the
// stored plan.
func (q *Queries) PlanScanPage(ctx context.Context, plan ScanPagePlan) (ScanPagePlan, error) {
	out := ScanPagePlan{JobID: plan.JobID, TenantID: plan.TenantID, ChannelID: plan.ChannelID}
	err := q.db.QueryRow(ctx, `
INSERT INTO scan_pages (job_id, tenant_id, channel_id, fetched, scanned_ids, kept_ids, halted)
VALUES ($1, $2, $3, $4, COALESCE($5::text[], '{}'), COALESCE($6::text[], '{}'), $7)
ON CONFLICT (job_id) DO UPDATE SET job_id = scan_pages.job_id
RETURNING fetched, scanned_ids, kept_ids, halted, xmax::text <> '0'`,
		plan.JobID, plan.TenantID, plan.ChannelID, plan.Fetched, plan.ScannedIDs, plan.KeptIDs, plan.Halted,
	).Scan(&out.Fetched, &out.ScannedIDs, &out.KeptIDs, &out.Halted, &out.Replayed)
	if err != nil {
		return ScanPagePlan{}, err
	}
	return out, nil
}

type RecordScanPageParams struct {
	JobID        uuid.UUID
	TenantID     string
	ChannelID    string
	MessageCount int
	// MinID and MaxID bound the message ids the page covered. Empty when the
	// page covered nothing.
	MinID string
	MaxID string
}

// markScanPageApplied flags the ledger row as applied, reporting false when
// an earlier delivery already applied it.
func (q *Queries) markScanPageApplied(ctx context.Context, arg RecordScanPageParams) (bool, error) {
	tag, err := q.db.Exec(ctx, `
INSERT INTO scan_pages (job_id, tenant_id, channel_id, message_count, first_id, last_id, applied_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), now())
ON CONFLICT (job_id) DO UPDATE SET
	message_count = EXCLUDED.message_count,
	first_id = EXCLUDED.first_id,
	last_id = EXCLUDED.last_id,
	applied_at = EXCLUDED.applied_at
WHERE scan_pages.applied_at IS NULL`,
		arg.JobID, arg.TenantID, arg.ChannelID, arg.MessageCount, arg.MinID, arg.MaxID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// applyScanPage bumps counters and moves cursors outward. Ids are compared
// numerically so the forward cursor only grows and the backward cursor only shrinks.
func (q *Queries) applyScanPage(ctx context.Context, arg RecordScanPageParams) error {
	_, err := q.db.Exec(ctx, `
UPDATE scan_status SET
	message_count = message_count + $3,
	total_messages_scanned = total_messages_scanned + $3,
	pages_processed = pages_processed + 1,
	forward_cursor = CASE
		WHEN NULLIF($5, '') IS NULL THEN forward_cursor
		WHEN forward_cursor IS NULL OR $5::numeric > forward_cursor::numeric THEN $5
		ELSE forward_cursor END,
	backward_cursor = CASE
		WHEN NULLIF($4, '') IS NULL THEN backward_cursor
		WHEN backward_cursor IS NULL OR $4::numeric < backward_cursor::numeric THEN $4
		ELSE backward_cursor END,
	updated_at = now()
WHERE tenant_id = $1 AND channel_id = $2`,
		arg.TenantID, arg.ChannelID, arg.MessageCount, arg.MinID, arg.MaxID)
	return err
}

// RecordScanPage applies a processed page exactly once per job id inside tx-bound q.
func (q *Queries) RecordScanPage(ctx context.Context, arg RecordScanPageParams) (bool, error) {
	fresh, err := q.markScanPageApplied(ctx, arg)
	if err != nil || !fresh {
		return false, err
	}
	if err := q.applyScanPage(ctx, arg); err != nil {
		return false, err
	}
	return true, nil
}

// ForceCancelScans cancels every scan in scope regardless of state. An empty
// channelID means the whole tenant.
func (q *Queries) ForceCancelScans(ctx context.Context, tenantID, channelID string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
UPDATE scan_status SET
	status = 'CANCELLED',
	finished_at = CASE WHEN status IN ('SUCCEEDED', 'FAILED', 'CANCELLED') THEN finished_at ELSE now() END,
	updated_at = now()
WHERE tenant_id = $1 AND ($2 = '' OR channel_id = $2)`, tenantID, channelID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ScopeQuiesced reports whether no scan in scope is active and no page is in
// flight. In-flight markers older than staleAfter are ignored.
func (q *Queries) ScopeQuiesced(ctx context.Context, tenantID, channelID string, staleAfter time.Duration) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx, `
SELECT NOT EXISTS (
	SELECT 1 FROM scan_status
	WHERE tenant_id = $1 AND ($2 = '' OR channel_id = $2)
	  AND (status IN ('QUEUED', 'RUNNING')
	       OR (in_flight_job_id IS NOT NULL AND in_flight_since > now() - make_interval(secs => $3)))
)`, tenantID, channelID, staleAfter.Seconds()).Scan(&ok)
	return ok, err
}

// MarkScansPurged leaves scan rows in scope as CANCELLED audit records with cursors cleared.
func (q *Queries) MarkScansPurged(ctx context.Context, tenantID, channelID string) error {
	_, err := q.db.Exec(ctx, `
UPDATE scan_status SET
	status = 'CANCELLED',
	forward_cursor = NULL,
	backward_cursor = NULL,
	error_message = 'purged',
	in_flight_job_id = NULL,
	in_flight_since = NULL,
	updated_at = now()
WHERE tenant_id = $1 AND ($2 = '' OR channel_id = $2)`, tenantID, channelID)
	return err
}
