package api

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"thirdcoast.systems/clipscan/internal/db"
	"thirdcoast.systems/clipscan/internal/jobs"
	"thirdcoast.systems/clipscan/internal/scan"
)

type startScanRequest struct {
	Direction            string `json:"direction" validate:"omitempty,oneof=backward forward"`
	Limit                int    `json:"limit" validate:"omitempty,min=1,max=100"`
	BeforeCursor         string `json:"before_cursor" validate:"omitempty,numeric"`
	AfterCursor          string `json:"after_cursor" validate:"omitempty,numeric"`
	AutoContinue         bool   `json:"auto_continue"`
	RescanMode           string `json:"rescan_mode" validate:"omitempty,oneof=stop continue update"`
	RegenerateThumbnails bool   `json:"regenerate_thumbnails"`
}

type scanView struct {
	TenantID             string     `json:"tenant_id"`
	ChannelID            string     `json:"channel_id"`
	Status               string     `json:"status"`
	Direction            string     `json:"direction"`
	RescanMode           string     `json:"rescan_mode"`
	ForwardCursor        *string    `json:"forward_cursor,omitempty"`
	BackwardCursor       *string    `json:"backward_cursor,omitempty"`
	MessageCount         int64      `json:"message_count"`
	TotalMessagesScanned int64      `json:"total_messages_scanned"`
	PagesProcessed       int64      `json:"pages_processed"`
	ErrorMessage         *string    `json:"error_message,omitempty"`
	CurrentJobID         *uuid.UUID `json:"current_job_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	Updated              string     `json:"updated"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
}

func newScanView(s *db.ScanStatus) scanView {
	v := scanView{
		TenantID:             s.TenantID,
		ChannelID:            s.ChannelID,
		Status:               string(s.Status),
		Direction:            s.Direction,
		RescanMode:           s.RescanMode,
		ForwardCursor:        s.ForwardCursor,
		BackwardCursor:       s.BackwardCursor,
		MessageCount:         s.MessageCount,
		TotalMessagesScanned: s.TotalMessagesScanned,
		PagesProcessed:       s.PagesProcessed,
		ErrorMessage:         s.ErrorMessage,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
		Updated:              humanize.Time(s.UpdatedAt),
		StartedAt:            s.StartedAt,
		FinishedAt:           s.FinishedAt,
	}
	if s.CurrentJobID.Valid {
		id := s.CurrentJobID.UUID
		v.CurrentJobID = &id
	}
	return v
}

func (s *Server) handleStartScan(c echo.Context) error {
	var req startScanRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	status, err := s.deps.Starter.Start(c.Request().Context(), scan.StartRequest{
		TenantID:             c.Param("tenant"),
		ChannelID:            c.Param("channel"),
		Direction:            jobs.Direction(req.Direction),
		Limit:                req.Limit,
		BeforeCursor:         req.BeforeCursor,
		AfterCursor:          req.AfterCursor,
		AutoContinue:         req.AutoContinue,
		RescanMode:           jobs.RescanMode(req.RescanMode),
		RegenerateThumbnails: req.RegenerateThumbnails,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, newScanView(status))
}

func (s *Server) handleGetScan(c echo.Context) error {
	status, err := s.deps.Scans.GetScanStatus(c.Request().Context(), c.Param("tenant"), c.Param("channel"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, newScanView(status))
}

func (s *Server) handleListScans(c echo.Context) error {
	statuses, err := s.deps.Scans.ListScanStatuses(c.Request().Context(), c.Param("tenant"))
	if err != nil {
		return fail(c, err)
	}
	out := make([]scanView, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, newScanView(st))
	}
	return c.JSON(http.StatusOK, map[string]any{"scans": out})
}

func (s *Server) handleCancelScan(c echo.Context) error {
	if err := s.deps.Starter.Cancel(c.Request().Context(), c.Param("tenant"), c.Param("channel")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
