package health

import (
	"net/http"

	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/kinstack/briar/pkg/database"
)

// Register registers health routes
func Register(e *echo.Echo) {
	e.GET("/health", Liveness)
	e.GET("/ready", Readiness)
}

// Liveness reports that the process is up
func Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness reports whether the database is reachable
func Readiness(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, db, err := ectoinject.GetContext[database.DB](ctx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
	}

	if err := db.PingContext(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "database unreachable"})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
