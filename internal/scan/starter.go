package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"thirdcoast.systems/clipscan/internal/db"
	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/internal/jobs"
	"thirdcoast.systems/clipscan/internal/queue"
)

// StartRequest asks for a new scan run of one channel.
type StartRequest struct {
	TenantID             string          `json:"-"`
	ChannelID            string          `json:"-"`
	Direction            jobs.Direction  `json:"direction"`
	Limit                int             `json:"limit"`
	BeforeCursor         string          `json:"before_cursor"`
	AfterCursor          string          `json:"after_cursor"`
	AutoContinue         bool            `json:"auto_continue"`
	RescanMode           jobs.RescanMode `json:"rescan_mode"`
	RegenerateThumbnails bool            `json:"regenerate_thumbnails"`
}

// Starter creates scan runs. At most one run per channel is active at a time.
type Starter struct {
	store Store
	queue queue.Enqueuer
}

func NewStarter(store Store, q queue.Enqueuer) *Starter {
	return &Starter{store: store, queue: q}
}

// Start records a new run and enqueues its first page. It fails with a
// ConcurrencyConflict wrapping ErrScanAlreadyActive when the channel is busy.
func (s *Starter) Start(ctx context.Context, req StartRequest) (*db.ScanStatus, error) {
	payload := jobs.BatchScan{
		Direction:            req.Direction,
		Limit:                req.Limit,
		BeforeCursor:         req.BeforeCursor,
		AfterCursor:          req.AfterCursor,
		AutoContinue:         req.AutoContinue,
		RescanMode:           req.RescanMode,
		RegenerateThumbnails: req.RegenerateThumbnails,
	}.Normalize()

	// Forward scans without an explicit cursor pick up where the last one ended.
	if payload.Direction == jobs.Forward && payload.AfterCursor == "" {
		prev, err := s.store.GetScanStatus(ctx, req.TenantID, req.ChannelID)
		switch {
		case err == nil && prev.ForwardCursor != nil:
			payload.AfterCursor = *prev.ForwardCursor
		case err != nil && !db.IsNotFound(err):
			return nil, fmt.Errorf("load scan status: %w", err)
		}
	}

	job, err := jobs.New(req.TenantID, req.ChannelID, payload)
	if err != nil {
		return nil, failure.Permanent(err)
	}
	log := slog.With("job_id", job.ID, "tenant_id", job.TenantID, "channel_id", job.ChannelID)

	if _, err := s.store.BeginScan(ctx, db.BeginScanParams{
		TenantID:   job.TenantID,
		ChannelID:  job.ChannelID,
		Direction:  string(payload.Direction),
		RescanMode: string(payload.RescanMode),
		JobID:      job.ID,
		StaleAfter: PendingStaleAfter,
	}); err != nil {
		if errors.Is(err, db.ErrScanActive) {
			return nil, failure.Conflict(fmt.Errorf("%w: %s/%s", ErrScanAlreadyActive, job.TenantID, job.ChannelID))
		}
		return nil, fmt.Errorf("begin scan: %w", err)
	}

	owned := uuid.NullUUID{UUID: job.ID, Valid: true}
	ok, err := s.store.TransitionScan(ctx, db.TransitionScanParams{
		TenantID:    job.TenantID,
		ChannelID:   job.ChannelID,
		From:        []db.ScanState{db.ScanPending},
		To:          db.ScanQueued,
		ExpectJobID: owned,
	})
	if err != nil {
		return nil, fmt.Errorf("queue scan: %w", err)
	}
	if !ok {
		return nil, failure.Conflict(fmt.Errorf("%w: %s/%s", ErrScanAlreadyActive, job.TenantID, job.ChannelID))
	}

	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		msg := "enqueue first page: " + err.Error()
		if _, ferr := s.store.TransitionScan(context.WithoutCancel(ctx), db.TransitionScanParams{
			TenantID:     job.TenantID,
			ChannelID:    job.ChannelID,
			From:         []db.ScanState{db.ScanQueued},
			To:           db.ScanFailed,
			ExpectJobID:  owned,
			ErrorMessage: &msg,
		}); ferr != nil {
			log.Error("could not mark scan failed", "error", ferr)
		}
		return nil, fmt.Errorf("enqueue first page: %w", err)
	}

	log.Info("scan started",
		"direction", payload.Direction,
		"limit", payload.Limit,
		"rescan_mode", payload.RescanMode,
		"auto_continue", payload.AutoContinue,
		"cursor", payload.Cursor(),
	)
	return s.store.GetScanStatus(ctx, job.TenantID, job.ChannelID)
}

// Cancel moves the channel's scan to CANCELLED whatever its state. Running
// pages observe it before their next write.
func (s *Starter) Cancel(ctx context.Context, tenantID, channelID string) error {
	n, err := s.store.ForceCancelScans(ctx, tenantID, channelID)
	if err != nil {
		return fmt.Errorf("cancel scan: %w", err)
	}
	slog.Info("scan cancelled", "tenant_id", tenantID, "channel_id", channelID, "rows", n)
	return nil
}
