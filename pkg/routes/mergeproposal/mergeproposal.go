package mergeproposal

import (
	stdcontext "context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/kinstack/briar/pkg/context"
	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/proposals"
)

var validate = validator.New()

// Register registers merge proposal routes
func Register(g *echo.Group) {
	g.POST("", CreateMergeProposal)
	g.GET("", ListMergeProposals)
	g.GET("/:id", GetMergeProposal)
	g.GET("/:id/preview", PreviewMergeProposal)
	g.POST("/:id/accept", AcceptMergeProposal)
	g.POST("/:id/reject", RejectMergeProposal)
	g.POST("/:id/execute", ExecuteMergeProposal)
}

// CreateMergeProposal suggests merging one entity into another
func CreateMergeProposal(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := requireIdentity(ctx)
	if err != nil {
		return err
	}

	var req models.CreateMergeProposalRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, service, err := ectoinject.GetContext[*proposals.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "proposal service not available")
	}

	proposal, err := service.Propose(ctx, tenantID, &req, userID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, proposal)
}

// ListMergeProposals lists proposals for review, highest confidence first
func ListMergeProposals(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	status := models.MergeProposalStatus(c.QueryParam("status"))
	if status == "" {
		status = models.MergeProposalStatusPending
	}

	ctx, service, err := ectoinject.GetContext[*proposals.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "proposal service not available")
	}

	list, err := service.ListByStatus(ctx, tenantID, status, 100)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, list)
}

// GetMergeProposal gets a proposal by ID
func GetMergeProposal(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, service, err := ectoinject.GetContext[*proposals.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "proposal service not available")
	}

	proposal, err := service.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, proposal)
}

// PreviewMergeProposal recomputes the live merge preview for a proposal
func PreviewMergeProposal(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, service, err := ectoinject.GetContext[*proposals.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "proposal service not available")
	}

	preview, err := service.Preview(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, preview)
}

// AcceptMergeProposal accepts a pending proposal
func AcceptMergeProposal(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := requireIdentity(ctx)
	if err != nil {
		return err
	}

	ctx, service, err := ectoinject.GetContext[*proposals.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "proposal service not available")
	}

	proposal, err := service.Accept(ctx, tenantID, c.Param("id"), userID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, proposal)
}

// RejectMergeProposal rejects a pending proposal with a reason
func RejectMergeProposal(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := requireIdentity(ctx)
	if err != nil {
		return err
	}

	var req models.RejectMergeProposalRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, service, err := ectoinject.GetContext[*proposals.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "proposal service not available")
	}

	proposal, err := service.Reject(ctx, tenantID, c.Param("id"), userID, req.Reason)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, proposal)
}

// ExecuteMergeProposal executes an accepted proposal
func ExecuteMergeProposal(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := requireIdentity(ctx)
	if err != nil {
		return err
	}

	var req models.ExecuteMergeProposalRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, service, err := ectoinject.GetContext[*proposals.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "proposal service not available")
	}

	record, err := service.Execute(ctx, tenantID, c.Param("id"), req.Overrides, userID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, record)
}

func requireIdentity(ctx stdcontext.Context) (string, string, error) {
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return "", "", httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}
	userID := context.GetUserID(ctx)
	if userID == "" {
		return "", "", httperror.NewHTTPError(http.StatusUnauthorized, "user_id is required")
	}
	return tenantID, userID, nil
}
