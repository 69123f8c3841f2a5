package cache

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Checker reports whether a cache backend is reachable.
type Checker interface {
	Health(ctx context.Context) error
}

// HealthHandler returns an echo handler reporting the health of c.
func HealthHandler(c Checker) echo.HandlerFunc {
	return func(ec echo.Context) error {
		ctx, cancel := context.WithTimeout(ec.Request().Context(), 5*time.Second)
		defer cancel()

		if err := c.Health(ctx); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "cache unavailable").SetInternal(err)
		}
		return ec.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	}
}
