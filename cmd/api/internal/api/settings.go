package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/clipscan/internal/db"
)

func bindSettings(c echo.Context) (db.SettingsDoc, error) {
	doc := db.SettingsDoc{}
	if err := (&echo.DefaultBinder{}).BindBody(c, &doc); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "settings must be a JSON object")
	}
	return doc, nil
}

func (s *Server) handlePutTenantSettings(c echo.Context) error {
	doc, err := bindSettings(c)
	if err != nil {
		return err
	}
	tenant := c.Param("tenant")
	if err := s.deps.Settings.PutSettings(c.Request().Context(), tenant, "", doc); err != nil {
		return fail(c, err)
	}
	if s.deps.Cache != nil {
		s.deps.Cache.InvalidateGuild(tenant)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePutChannelSettings(c echo.Context) error {
	doc, err := bindSettings(c)
	if err != nil {
		return err
	}
	tenant, channel := c.Param("tenant"), c.Param("channel")
	if err := s.deps.Settings.PutSettings(c.Request().Context(), tenant, channel, doc); err != nil {
		return fail(c, err)
	}
	if s.deps.Cache != nil {
		s.deps.Cache.Invalidate(tenant, channel)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleGetChannelSettings returns the merged defaults, tenant and channel layers.
func (s *Server) handleGetChannelSettings(c echo.Context) error {
	if s.deps.Cache == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "settings cache not configured")
	}
	resolved, err := s.deps.Cache.Get(c.Request().Context(), c.Param("tenant"), c.Param("channel"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, resolved.Doc)
}
