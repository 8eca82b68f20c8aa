// Package mergeproposal persists merge proposals and enforces the
// pair-uniqueness invariant: at most one proposal in a non-terminal status
// per unordered (source, target) pair. The check-then-create is a single
// conditional insert backed by a partial unique index, so two racing
// proposers get exactly one success and one conflict.
package mergeproposal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/database"
	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/tracing"
)

const proposalColumns = "id, tenant_id, entity_type, source_id, target_id, confidence_score, reason, analysis_snapshot, status, proposed_by, reviewed_by, reviewed_at, error_details, created_at, updated_at"

// Repository handles merge proposal persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge proposal repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DB exposes the underlying database for transaction control.
func (r *Repository) DB() database.DB {
	return r.db
}

// Create inserts a proposal unless the unordered pair already has one in a
// non-terminal status. Returns Conflict when the pair is taken.
func (r *Repository) Create(ctx context.Context, proposal *models.MergeProposal) (*models.MergeProposal, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeproposal.Repository.Create")
	defer span.End()

	if proposal.ID == "" {
		proposal.ID = uuid.New().String()
	}
	proposal.Status = models.MergeProposalStatusPending
	proposal.CreatedAt = time.Now().UTC()
	proposal.UpdatedAt = proposal.CreatedAt

	query := `
		INSERT INTO merge_proposals (id, tenant_id, entity_type, source_id, target_id, confidence_score, reason, analysis_snapshot, status, proposed_by, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11
		WHERE NOT EXISTS (
			SELECT 1 FROM merge_proposals
			WHERE tenant_id = $2
			AND status IN ('pending', 'accepted')
			AND ((source_id = $4 AND target_id = $5) OR (source_id = $5 AND target_id = $4))
		)
	`

	result, err := r.db.ExecContext(ctx, query,
		proposal.ID, proposal.TenantID, proposal.EntityType, proposal.SourceID, proposal.TargetID,
		proposal.ConfidenceScore, proposal.Reason, proposal.AnalysisSnapshot, proposal.Status,
		proposal.ProposedBy, proposal.CreatedAt,
	)
	if err != nil {
		// The partial unique index closes the race two concurrent
		// conditional inserts can still lose.
		if isUniqueViolation(err) {
			return nil, apperror.Conflict("pair (%s, %s) already has an open merge proposal", proposal.SourceID, proposal.TargetID)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source_id": proposal.SourceID, "target_id": proposal.TargetID}).Error("Failed to create merge proposal")
		return nil, apperror.Internal("failed to create merge proposal")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, apperror.Conflict("pair (%s, %s) already has an open merge proposal", proposal.SourceID, proposal.TargetID)
	}

	return proposal, nil
}

// Get retrieves a merge proposal by ID
func (r *Repository) Get(ctx context.Context, tenantID string, id string) (*models.MergeProposal, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeproposal.Repository.Get")
	defer span.End()

	query := "SELECT " + proposalColumns + " FROM merge_proposals WHERE tenant_id = $1 AND id = $2"

	var proposal models.MergeProposal
	if err := r.db.GetContext(ctx, &proposal, query, tenantID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("merge proposal %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge proposal")
		return nil, apperror.Internal("failed to get merge proposal")
	}

	return &proposal, nil
}

// GetOpenByPair returns the non-terminal proposal for an unordered pair,
// or nil when there is none.
func (r *Repository) GetOpenByPair(ctx context.Context, tenantID string, entityA, entityB string) (*models.MergeProposal, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeproposal.Repository.GetOpenByPair")
	defer span.End()

	query := "SELECT " + proposalColumns + ` FROM merge_proposals
		WHERE tenant_id = $1
		AND status IN ('pending', 'accepted')
		AND ((source_id = $2 AND target_id = $3) OR (source_id = $3 AND target_id = $2))
		LIMIT 1`

	var proposal models.MergeProposal
	if err := r.db.GetContext(ctx, &proposal, query, tenantID, entityA, entityB); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge proposal by pair")
		return nil, apperror.Internal("failed to get merge proposal")
	}

	return &proposal, nil
}

// ListByStatus retrieves proposals in a status ordered by confidence.
func (r *Repository) ListByStatus(ctx context.Context, tenantID string, status models.MergeProposalStatus, limit int) ([]models.MergeProposal, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeproposal.Repository.ListByStatus")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	query := "SELECT " + proposalColumns + ` FROM merge_proposals
		WHERE tenant_id = $1 AND status = $2
		ORDER BY confidence_score DESC, created_at DESC
		LIMIT $3`

	var proposals []models.MergeProposal
	if err := r.db.SelectContext(ctx, &proposals, query, tenantID, status, limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merge proposals")
		return nil, apperror.Internal("failed to list merge proposals")
	}

	return proposals, nil
}

// Transition moves a proposal from an expected status to the next one as a
// compare-and-set. A proposal that changed underneath the caller, for any
// reason, loses with InvalidState.
func (r *Repository) Transition(ctx context.Context, tenantID string, id string, from, to models.MergeProposalStatus, reviewedBy *string, errorDetails *string) error {
	ctx, span := tracing.StartSpan(ctx, "mergeproposal.Repository.Transition")
	defer span.End()

	if !models.CanTransition(from, to) {
		return apperror.InvalidState("transition %s -> %s is not allowed", from, to)
	}

	now := time.Now().UTC()
	query := `
		UPDATE merge_proposals
		SET status = $1, reviewed_by = COALESCE($2, reviewed_by), reviewed_at = CASE WHEN $2 IS NULL THEN reviewed_at ELSE $3 END, error_details = $4, updated_at = $3
		WHERE tenant_id = $5 AND id = $6 AND status = $7
	`

	result, err := r.db.ExecContext(ctx, query, to, reviewedBy, now, errorDetails, tenantID, id, from)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"proposal_id": id}).Error("Failed to transition merge proposal")
		return apperror.Internal("failed to transition merge proposal")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		current, getErr := r.Get(ctx, tenantID, id)
		if getErr != nil {
			return getErr
		}
		return apperror.InvalidState("merge proposal %s is %s, expected %s", id, current.Status, from)
	}

	return nil
}

// FreezeSnapshot stores the analysis snapshot if one was never captured.
// The snapshot is immutable once set.
func (r *Repository) FreezeSnapshot(ctx context.Context, tenantID string, id string, snapshot *models.AnalysisSnapshot) error {
	ctx, span := tracing.StartSpan(ctx, "mergeproposal.Repository.FreezeSnapshot")
	defer span.End()

	query := `
		UPDATE merge_proposals
		SET analysis_snapshot = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND analysis_snapshot IS NULL
	`

	if _, err := r.db.ExecContext(ctx, query, snapshot, time.Now().UTC(), tenantID, id); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"proposal_id": id}).Error("Failed to freeze analysis snapshot")
		return apperror.Internal("failed to freeze analysis snapshot")
	}

	return nil
}

// isUniqueViolation matches the postgres unique_violation error code.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
