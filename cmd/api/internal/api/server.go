package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"thirdcoast.systems/clipscan/internal/db"
	"thirdcoast.systems/clipscan/internal/jobs"
	"thirdcoast.systems/clipscan/internal/queue"
	"thirdcoast.systems/clipscan/internal/scan"
)

type ScanStarter interface {
	Start(ctx context.Context, req scan.StartRequest) (*db.ScanStatus, error)
	Cancel(ctx context.Context, tenantID, channelID string) error
}

type ScanReader interface {
	GetScanStatus(ctx context.Context, tenantID, channelID string) (*db.ScanStatus, error)
	ListScanStatuses(ctx context.Context, tenantID string) ([]*db.ScanStatus, error)
}

type PurgeRequester interface {
	Request(ctx context.Context, scope db.PurgeScope, tenantID, channelID string) (jobs.Job, error)
}

type SettingsStore interface {
	PutSettings(ctx context.Context, guildID, channelID string, doc db.SettingsDoc) error
}

// SettingsCache is the process-local resolved settings view. Writes through
// this server invalidate it directly; other processes see the NOTIFY.
type SettingsCache interface {
	Get(ctx context.Context, guildID, channelID string) (db.ResolvedSettings, error)
	Invalidate(guildID, channelID string)
	InvalidateGuild(guildID string)
}

type Deps struct {
	Starter  ScanStarter
	Scans    ScanReader
	Purges   PurgeRequester
	Settings SettingsStore
	Cache    SettingsCache
	Queue    queue.Enqueuer
	Health   db.Pinger
	// CleanupTimeout is the default age for thumbnail_cleanup requests
	// without an explicit timeout.
	CleanupTimeout time.Duration
}

type Server struct {
	*echo.Echo
	deps Deps
}

func NewServer(deps Deps) *Server {
	s := &Server{Echo: echo.New(), deps: deps}
	s.Validator = &requestValidator{v: validator.New()}
	s.setupMiddleware()
	s.registerRoutes()
	return s
}

type requestValidator struct {
	v *validator.Validate
}

func (r *requestValidator) Validate(i any) error {
	if err := r.v.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func (s *Server) setupMiddleware() {
	s.HideBanner = true
	s.HidePort = true
	s.Use(middleware.BodyLimit("1M"))
	s.Use(middleware.Recover())
	s.Use(middleware.RequestID())
	s.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/healthz"
		},
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				fields = append(fields, "error", v.Error)
			}
			slog.Info("request", fields...)
			return nil
		},
	}))
}

func (s *Server) registerRoutes() {
	s.GET("/healthz", s.handleHealth)

	t := s.Group("/api/tenants/:tenant")
	t.GET("/scans", s.handleListScans)
	t.POST("/purge", s.handlePurgeTenant)
	t.PUT("/settings", s.handlePutTenantSettings)
	t.POST("/thumbnails/cleanup", s.handleThumbnailCleanup)

	ch := t.Group("/channels/:channel")
	ch.POST("/scans", s.handleStartScan)
	ch.GET("/scan", s.handleGetScan)
	ch.DELETE("/scan", s.handleCancelScan)
	ch.POST("/purge", s.handlePurgeChannel)
	ch.GET("/settings", s.handleGetChannelSettings)
	ch.PUT("/settings", s.handlePutChannelSettings)
	ch.POST("/clips/:clip/thumbnail", s.handleRegenerateThumbnail)
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.deps.Health == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Health.Exec(ctx, "SELECT 1"); err != nil {
		slog.Warn("health check failed", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
