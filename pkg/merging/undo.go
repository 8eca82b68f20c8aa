package merging

import (
	"context"
	"time"

	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/tracing"
)

// Undo reverses an executed merge from its record: every logged reference
// row moves back to the source, the target's fields revert via the stored
// diff, and the source loses its tombstone. Like Execute it runs in a
// single transaction; a record can only be undone once.
func (x *Executor) Undo(ctx context.Context, tenantID string, recordID string, undoneBy string) (*models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.Undo")
	defer span.End()

	log := x.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":       tenantID,
		"merge_record_id": recordID,
	})

	ctxTx, tx, err := x.db.GetTx(ctx, nil)
	if err != nil {
		log.WithError(err).Error("Failed to begin undo transaction")
		return nil, apperror.Internal("failed to begin undo transaction")
	}
	defer tx.Rollback(ctxTx)

	record, err := x.records.Get(ctxTx, tenantID, recordID)
	if err != nil {
		return nil, err
	}

	// Claims the record. Fails with a conflict when it was already undone.
	if err := x.records.MarkUndone(ctxTx, tenantID, recordID, undoneBy); err != nil {
		return nil, err
	}

	refs, err := x.records.ListReassignedReferences(ctxTx, record.ID)
	if err != nil {
		return nil, err
	}

	// Each logged row is moved back individually. A row that no longer
	// points at the target surfaces as a conflict rather than being
	// silently skipped.
	restored, err := x.entities.ReassignLogged(ctxTx, tenantID, refs, record.SourceID, record.TargetID)
	if err != nil {
		return nil, err
	}

	target, err := x.entities.Get(ctxTx, tenantID, record.TargetID)
	if err != nil {
		return nil, err
	}
	fields := target.Fields.Clone()
	for field, before := range record.FieldDiff {
		if before == "" {
			delete(fields, field)
		} else {
			fields[field] = before
		}
	}
	if err := x.entities.UpdateFields(ctxTx, tenantID, record.TargetID, fields); err != nil {
		return nil, err
	}

	if err := x.entities.Untombstone(ctxTx, tenantID, record.SourceID); err != nil {
		return nil, err
	}

	if err := x.candidates.Reopen(ctxTx, tenantID, record.SourceID, record.TargetID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		log.WithError(err).Error("Failed to commit undo transaction")
		return nil, apperror.Internal("failed to commit undo transaction")
	}

	now := time.Now().UTC()
	record.Undone = true
	record.UndoneBy = &undoneBy
	record.UndoneAt = &now

	log.WithFields(map[string]any{
		"restored_references": restored.Total(),
		"fields_restored":     len(record.FieldDiff),
	}).Info("Merge undone")

	return record, nil
}
