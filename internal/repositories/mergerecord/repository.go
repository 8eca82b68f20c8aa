// Package mergerecord persists merge records and the row-level reference
// log that makes a merge reversible.
package mergerecord

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

const recordColumns = "id, tenant_id, proposal_id, source_id, target_id, performed_by, performed_at, field_diff, reassigned_counts, undone, undone_by, undone_at"

// Repository handles merge record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge record repository
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

// Create persists a merge record. Exactly one record exists per executed
// proposal; the unique constraint on proposal_id enforces it.
func (r *Repository) Create(ctx context.Context, record *models.MergeRecord) (*models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "mergerecord.Repository.Create")
	defer span.End()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.PerformedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("merge_records")
	sb.Cols("id", "tenant_id", "proposal_id", "source_id", "target_id", "performed_by", "performed_at", "field_diff", "reassigned_counts", "undone")
	sb.Values(record.ID, record.TenantID, record.ProposalID, record.SourceID, record.TargetID, record.PerformedBy, record.PerformedAt, record.FieldDiff, record.ReassignedReferenceCounts, false)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"proposal_id": record.ProposalID}).Error("Failed to create merge record")
		return nil, apperror.Internal("failed to create merge record")
	}

	return record, nil
}

// Get retrieves a merge record by ID
func (r *Repository) Get(ctx context.Context, tenantID string, id string) (*models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "mergerecord.Repository.Get")
	defer span.End()

	query := "SELECT " + recordColumns + " FROM merge_records WHERE tenant_id = $1 AND id = $2"

	var record models.MergeRecord
	if err := r.db.GetContext(ctx, &record, query, tenantID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("merge record %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge record")
		return nil, apperror.Internal("failed to get merge record")
	}

	return &record, nil
}

// GetByProposal retrieves the merge record for a proposal, nil when the
// proposal never executed.
func (r *Repository) GetByProposal(ctx context.Context, tenantID string, proposalID string) (*models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "mergerecord.Repository.GetByProposal")
	defer span.End()

	query := "SELECT " + recordColumns + " FROM merge_records WHERE tenant_id = $1 AND proposal_id = $2"

	var record models.MergeRecord
	if err := r.db.GetContext(ctx, &record, query, tenantID, proposalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge record by proposal")
		return nil, apperror.Internal("failed to get merge record")
	}

	return &record, nil
}

// ListReassignedReferences returns the row-level reference log for a record.
func (r *Repository) ListReassignedReferences(ctx context.Context, mergeRecordID string) ([]models.ReassignedReference, error) {
	ctx, span := tracing.StartSpan(ctx, "mergerecord.Repository.ListReassignedReferences")
	defer span.End()

	query := `
		SELECT id, merge_record_id, relation_type, column_name, row_id
		FROM reassigned_references
		WHERE merge_record_id = $1
	`

	var refs []models.ReassignedReference
	if err := r.db.SelectContext(ctx, &refs, query, mergeRecordID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list reassigned references")
		return nil, apperror.Internal("failed to list reassigned references")
	}

	return refs, nil
}

// MarkUndone flips the undone flag as a compare-and-set so a second undo
// of the same record loses with Conflict.
func (r *Repository) MarkUndone(ctx context.Context, tenantID string, id string, undoneBy string) error {
	ctx, span := tracing.StartSpan(ctx, "mergerecord.Repository.MarkUndone")
	defer span.End()

	now := time.Now().UTC()
	query := `
		UPDATE merge_records
		SET undone = TRUE, undone_by = $1, undone_at = $2
		WHERE tenant_id = $3 AND id = $4 AND undone = FALSE
	`

	result, err := r.db.ExecContext(ctx, query, undoneBy, now, tenantID, id)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"merge_record_id": id}).Error("Failed to mark merge record undone")
		return apperror.Internal("failed to mark merge record undone")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, getErr := r.Get(ctx, tenantID, id); getErr != nil {
			return getErr
		}
		return apperror.Conflict("merge record %s was already undone", id)
	}

	return nil
}
