// Package duplicatecandidate persists scored candidate pairs. At most one
// non-dismissed candidate exists per unordered pair; repeated signal runs
// upsert into the same row keeping the greater score.
package duplicatecandidate

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/database"
	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/tracing"
)

const candidateColumns = "id, tenant_id, entity_type, entity_a_id, entity_b_id, risk_score, status, created_at, updated_at, resolved_at"

// Repository handles duplicate candidate persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new duplicate candidate repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert creates a candidate or refreshes the score of the existing
// non-dismissed row for the unordered pair. Pair columns are stored in
// normalized order so the unique constraint is order-insensitive.
func (r *Repository) Upsert(ctx context.Context, candidate *models.DuplicateCandidate) (*models.DuplicateCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "duplicatecandidate.Repository.Upsert")
	defer span.End()

	if candidate.ID == "" {
		candidate.ID = uuid.New().String()
	}
	if candidate.Status == "" {
		candidate.Status = models.DuplicateCandidateStatusPending
	}
	candidate.EntityAID, candidate.EntityBID = normalizePair(candidate.EntityAID, candidate.EntityBID)
	candidate.CreatedAt = time.Now().UTC()
	candidate.UpdatedAt = candidate.CreatedAt

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("duplicate_candidates")
	sb.Cols("id", "tenant_id", "entity_type", "entity_a_id", "entity_b_id", "risk_score", "status", "created_at", "updated_at")
	sb.Values(candidate.ID, candidate.TenantID, candidate.EntityType, candidate.EntityAID, candidate.EntityBID, candidate.RiskScore, candidate.Status, candidate.CreatedAt, candidate.UpdatedAt)

	query, args := sb.Build()
	query += " ON CONFLICT (tenant_id, entity_a_id, entity_b_id) WHERE status <> 'dismissed' DO UPDATE SET risk_score = GREATEST(duplicate_candidates.risk_score, EXCLUDED.risk_score), updated_at = EXCLUDED.updated_at"

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"candidate_id": candidate.ID}).Error("Failed to upsert duplicate candidate")
		return nil, apperror.Internal("failed to upsert duplicate candidate")
	}

	return candidate, nil
}

// Get retrieves a duplicate candidate by ID
func (r *Repository) Get(ctx context.Context, tenantID string, id string) (*models.DuplicateCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "duplicatecandidate.Repository.Get")
	defer span.End()

	query := "SELECT " + candidateColumns + " FROM duplicate_candidates WHERE tenant_id = $1 AND id = $2"

	var candidate models.DuplicateCandidate
	if err := r.db.GetContext(ctx, &candidate, query, tenantID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("duplicate candidate %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get duplicate candidate")
		return nil, apperror.Internal("failed to get duplicate candidate")
	}

	return &candidate, nil
}

// GetByEntityPair gets the non-dismissed candidate between two entities
// regardless of order. Returns nil when there is none.
func (r *Repository) GetByEntityPair(ctx context.Context, tenantID string, entityA, entityB string) (*models.DuplicateCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "duplicatecandidate.Repository.GetByEntityPair")
	defer span.End()

	a, b := normalizePair(entityA, entityB)
	query := "SELECT " + candidateColumns + ` FROM duplicate_candidates
		WHERE tenant_id = $1 AND entity_a_id = $2 AND entity_b_id = $3 AND status <> 'dismissed'
		LIMIT 1`

	var candidate models.DuplicateCandidate
	if err := r.db.GetContext(ctx, &candidate, query, tenantID, a, b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get duplicate candidate by pair")
		return nil, apperror.Internal("failed to get duplicate candidate")
	}

	return &candidate, nil
}

// ListByEntity retrieves candidates involving a specific entity
func (r *Repository) ListByEntity(ctx context.Context, tenantID string, entityID string, status models.DuplicateCandidateStatus) ([]models.DuplicateCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "duplicatecandidate.Repository.ListByEntity")
	defer span.End()

	query := "SELECT " + candidateColumns + ` FROM duplicate_candidates
		WHERE tenant_id = $1 AND (entity_a_id = $2 OR entity_b_id = $2)`
	args := []any{tenantID, entityID}
	if status != "" {
		query += " AND status = $3"
		args = append(args, status)
	}
	query += " ORDER BY risk_score DESC, created_at DESC"

	var candidates []models.DuplicateCandidate
	if err := r.db.SelectContext(ctx, &candidates, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list duplicate candidates by entity")
		return nil, apperror.Internal("failed to list duplicate candidates")
	}

	return candidates, nil
}

// UpdateStatusByPair transitions the non-dismissed candidate for an
// unordered pair. Missing candidates are tolerated: manual proposals may
// reference pairs the signal store never scored.
func (r *Repository) UpdateStatusByPair(ctx context.Context, tenantID string, entityA, entityB string, status models.DuplicateCandidateStatus) error {
	ctx, span := tracing.StartSpan(ctx, "duplicatecandidate.Repository.UpdateStatusByPair")
	defer span.End()

	a, b := normalizePair(entityA, entityB)
	now := time.Now().UTC()
	query := `
		UPDATE duplicate_candidates
		SET status = $1, resolved_at = $2, updated_at = $2
		WHERE tenant_id = $3 AND entity_a_id = $4 AND entity_b_id = $5 AND status <> 'dismissed'
	`

	if _, err := r.db.ExecContext(ctx, query, status, now, tenantID, a, b); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update duplicate candidate status")
		return apperror.Internal("failed to update duplicate candidate status")
	}

	return nil
}

// Reopen puts the merged candidate for a pair back to pending, clearing
// the resolution timestamp. Used by undo. Only the merged row moves; a
// dismissed row for the same pair stays dismissed (the open-pair index
// allows at most one non-dismissed row).
func (r *Repository) Reopen(ctx context.Context, tenantID string, entityA, entityB string) error {
	ctx, span := tracing.StartSpan(ctx, "duplicatecandidate.Repository.Reopen")
	defer span.End()

	a, b := normalizePair(entityA, entityB)
	query := `
		UPDATE duplicate_candidates
		SET status = $1, resolved_at = NULL, updated_at = $2
		WHERE tenant_id = $3 AND entity_a_id = $4 AND entity_b_id = $5 AND status = 'merged'
	`

	if _, err := r.db.ExecContext(ctx, query, models.DuplicateCandidateStatusPending, time.Now().UTC(), tenantID, a, b); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to reopen duplicate candidate")
		return apperror.Internal("failed to reopen duplicate candidate")
	}

	return nil
}

// normalizePair orders an unordered pair deterministically.
func normalizePair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
