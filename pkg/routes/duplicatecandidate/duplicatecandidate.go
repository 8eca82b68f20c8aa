package duplicatecandidate

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/kinstack/briar/internal/repositories/duplicatecandidate"
	"github.com/kinstack/briar/pkg/context"
	"github.com/kinstack/briar/pkg/models"
)

var validate = validator.New()

// Register registers duplicate candidate routes
func Register(g *echo.Group) {
	g.POST("", FlagDuplicateCandidate)
	g.GET("", ListDuplicateCandidates)
	g.GET("/:id", GetDuplicateCandidate)
}

// FlagDuplicateCandidate manually flags a pair of entities as suspected
// duplicates, ahead of the next detection run
func FlagDuplicateCandidate(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	var req models.FlagDuplicateCandidateRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.EntityAID == req.EntityBID {
		return httperror.NewHTTPError(http.StatusBadRequest, "an entity cannot be flagged against itself")
	}

	ctx, repo, err := ectoinject.GetContext[*duplicatecandidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "candidate repository not available")
	}

	candidate, err := repo.Upsert(ctx, &models.DuplicateCandidate{
		TenantID:   tenantID,
		EntityType: req.EntityType,
		EntityAID:  req.EntityAID,
		EntityBID:  req.EntityBID,
		RiskScore:  req.RiskScore,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, candidate)
}

// ListDuplicateCandidates lists candidates involving an entity
func ListDuplicateCandidates(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	entityID := c.QueryParam("entity_id")
	if entityID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "entity_id is required")
	}

	status := models.DuplicateCandidateStatus(c.QueryParam("status"))
	if status == "" {
		status = models.DuplicateCandidateStatusPending
	}

	ctx, repo, err := ectoinject.GetContext[*duplicatecandidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "candidate repository not available")
	}

	candidates, err := repo.ListByEntity(ctx, tenantID, entityID, status)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, candidates)
}

// GetDuplicateCandidate gets a candidate by ID
func GetDuplicateCandidate(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, repo, err := ectoinject.GetContext[*duplicatecandidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "candidate repository not available")
	}

	candidate, err := repo.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, candidate)
}
