package signals

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/database"
	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/tracing"
)

// PostgresStore backs the signal store with the recompute_match_signals()
// routine and the duplicate_candidates table it maintains.
type PostgresStore struct {
	db     database.DB
	logger ectologger.Logger
}

// NewPostgresStore creates a new postgres signal store
func NewPostgresStore(db database.DB, logger ectologger.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// RecomputeSignals runs the in-database scoring pass for a tenant.
func (s *PostgresStore) RecomputeSignals(ctx context.Context, tenantID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "signals.PostgresStore.RecomputeSignals")
	defer span.End()

	var scanned int
	row := s.db.QueryRowxContext(ctx, "SELECT recompute_match_signals($1)", tenantID)
	if err := row.Scan(&scanned); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID}).Error("Failed to recompute match signals")
		return 0, apperror.ExternalDependency("signal recompute failed")
	}

	return scanned, nil
}

// ListCandidates returns pending candidates at or above minScore.
func (s *PostgresStore) ListCandidates(ctx context.Context, tenantID string, minScore float64, limit int) ([]models.DuplicateCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "signals.PostgresStore.ListCandidates")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "tenant_id", "entity_type", "entity_a_id", "entity_b_id", "risk_score", "status", "created_at", "updated_at", "resolved_at")
	sb.From("duplicate_candidates")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("status", models.DuplicateCandidateStatusPending),
		sb.GreaterEqualThan("risk_score", minScore),
	)
	sb.OrderBy("risk_score DESC", "created_at ASC")
	sb.Limit(limit)

	query, args := sb.Build()
	candidates := []models.DuplicateCandidate{}
	if err := s.db.SelectContext(ctx, &candidates, query, args...); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID}).Error("Failed to list duplicate candidates")
		return nil, apperror.ExternalDependency("candidate listing failed")
	}

	return candidates, nil
}
