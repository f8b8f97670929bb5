package api

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/clipscan/internal/db"
	"thirdcoast.systems/clipscan/internal/failure"
)

// fail maps a domain error onto an HTTP error.
func fail(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	if db.IsNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}

	switch failure.Classify(err) {
	case failure.ConcurrencyConflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case failure.PermanentData:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case failure.TransientInfra:
		if d := failure.RetryAfter(err); d > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
		slog.Warn("request hit a transient failure", "path", c.Path(), "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "temporarily unavailable")
	}
	slog.Error("request failed", "path", c.Path(), "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
