package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"thirdcoast.systems/clipscan/internal/db"
	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/internal/jobs"
)

type jobView struct {
	JobID     uuid.UUID `json:"job_id"`
	Kind      jobs.Kind `json:"kind"`
	TenantID  string    `json:"tenant_id"`
	ChannelID string    `json:"channel_id,omitempty"`
}

func accepted(c echo.Context, job jobs.Job) error {
	return c.JSON(http.StatusAccepted, jobView{
		JobID:     job.ID,
		Kind:      job.Kind(),
		TenantID:  job.TenantID,
		ChannelID: job.ChannelID,
	})
}

func (s *Server) handlePurgeChannel(c echo.Context) error {
	job, err := s.deps.Purges.Request(c.Request().Context(), db.PurgeScopeChannel, c.Param("tenant"), c.Param("channel"))
	if err != nil {
		return fail(c, err)
	}
	return accepted(c, job)
}

func (s *Server) handlePurgeTenant(c echo.Context) error {
	job, err := s.deps.Purges.Request(c.Request().Context(), db.PurgeScopeGuild, c.Param("tenant"), "")
	if err != nil {
		return fail(c, err)
	}
	return accepted(c, job)
}

type cleanupRequest struct {
	// Timeout is a Go duration such as "30m".
	Timeout string `json:"timeout"`
}

func (s *Server) handleThumbnailCleanup(c echo.Context) error {
	var req cleanupRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	timeout := s.deps.CleanupTimeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "timeout must be a positive duration")
		}
		timeout = d
	}
	return s.enqueue(c, "", jobs.ThumbnailCleanup{Timeout: timeout})
}

func (s *Server) handleRegenerateThumbnail(c echo.Context) error {
	clipID, err := uuid.Parse(c.Param("clip"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid clip id")
	}
	return s.enqueue(c, c.Param("channel"), jobs.Thumbnail{ClipID: clipID, Force: true})
}

func (s *Server) enqueue(c echo.Context, channelID string, payload jobs.Payload) error {
	job, err := jobs.New(c.Param("tenant"), channelID, payload)
	if err != nil {
		return fail(c, failure.Permanent(err))
	}
	if _, err := s.deps.Queue.Enqueue(c.Request().Context(), job); err != nil {
		return fail(c, err)
	}
	slog.Info("job enqueued", "job_id", job.ID, "kind", job.Kind(), "tenant_id", job.TenantID, "channel_id", channelID)
	return accepted(c, job)
}
