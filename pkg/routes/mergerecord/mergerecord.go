package mergerecord

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/kinstack/briar/internal/repositories/mergerecord"
	"github.com/kinstack/briar/pkg/context"
	"github.com/kinstack/briar/pkg/proposals"
)

// Register registers merge record routes
func Register(g *echo.Group) {
	g.GET("", GetMergeRecordByProposal)
	g.GET("/:id", GetMergeRecord)
	g.POST("/:id/undo", UndoMerge)
}

// GetMergeRecordByProposal looks up the record produced by executing a
// proposal, the entry point for undoing a merge found via its proposal
func GetMergeRecordByProposal(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	proposalID := c.QueryParam("proposal_id")
	if proposalID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "proposal_id is required")
	}

	ctx, repo, err := ectoinject.GetContext[*mergerecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "merge record repository not available")
	}

	record, err := repo.GetByProposal(ctx, tenantID, proposalID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, record)
}

// GetMergeRecord gets a merge record by ID
func GetMergeRecord(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, repo, err := ectoinject.GetContext[*mergerecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "merge record repository not available")
	}

	record, err := repo.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, record)
}

// UndoMerge reverses an executed merge
func UndoMerge(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}
	userID := context.GetUserID(ctx)
	if userID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "user_id is required")
	}

	ctx, service, err := ectoinject.GetContext[*proposals.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "proposal service not available")
	}

	record, err := service.Undo(ctx, tenantID, c.Param("id"), userID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, record)
}
