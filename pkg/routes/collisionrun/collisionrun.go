package collisionrun

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/kinstack/briar/pkg/context"
	"github.com/kinstack/briar/pkg/detector"
)

// Register registers collision run routes
func Register(g *echo.Group) {
	g.POST("", RunCollisionDetection)
}

// RunCollisionDetection runs a synchronous collision detection pass for the
// caller's tenant and returns the run summary
func RunCollisionDetection(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, d, err := ectoinject.GetContext[*detector.Detector](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "detector not available")
	}

	summary, err := d.Run(ctx, tenantID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, summary)
}
