package family

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/database"
	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/tracing"
)

// Repository handles family aggregate lookups
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new family repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a family by ID
func (r *Repository) Get(ctx context.Context, tenantID string, id string) (*models.Family, error) {
	ctx, span := tracing.StartSpan(ctx, "family.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "tenant_id", "name", "status", "created_at", "updated_at")
	sb.From("families")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	var family models.Family
	if err := r.db.GetContext(ctx, &family, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("family %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"family_id": id}).Error("Failed to get family")
		return nil, apperror.Internal("failed to get family")
	}

	return &family, nil
}
