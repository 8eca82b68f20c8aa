// Package merging executes accepted merge proposals atomically and reverses
// executed merges from their records.
package merging

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/tracing"
)

// Execution stage tags carried on ExecutionError.
const (
	StageValidate           = "validate"
	StageReassignReferences = "reassign_references"
	StageApplyFields        = "apply_fields"
	StageTombstoneSource    = "tombstone_source"
	StageResolveCandidate   = "resolve_candidate"
	StagePersistRecord      = "persist_record"
	StageCommit             = "commit"
)

// Executor runs the merge pipeline for accepted proposals. Every step of a
// single execution shares one database transaction; a failure at any stage
// rolls the whole thing back and leaves both entities untouched.
type Executor struct {
	logger     ectologger.Logger
	db         TxStarter
	entities   EntityStore
	proposals  ProposalStore
	candidates CandidateStore
	records    RecordStore
}

// NewExecutor creates a new merge executor
func NewExecutor(
	logger ectologger.Logger,
	db TxStarter,
	entities EntityStore,
	proposals ProposalStore,
	candidates CandidateStore,
	records RecordStore,
) *Executor {
	return &Executor{
		logger:     logger,
		db:         db,
		entities:   entities,
		proposals:  proposals,
		candidates: candidates,
		records:    records,
	}
}

// Execute merges the proposal's source entity into its target and returns
// the merge record. The proposal must be accepted; the accepted → executed
// transition happens inside the same transaction, so a proposal can only
// ever execute once even under concurrent requests.
func (x *Executor) Execute(ctx context.Context, tenantID string, proposalID string, overrides models.FieldSet, performedBy string) (*models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.Execute")
	defer span.End()

	log := x.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   tenantID,
		"proposal_id": proposalID,
	})

	ctxTx, tx, err := x.db.GetTx(ctx, nil)
	if err != nil {
		log.WithError(err).Error("Failed to begin merge transaction")
		return nil, apperror.Internal("failed to begin merge transaction")
	}
	defer tx.Rollback(ctxTx)

	proposal, err := x.proposals.Get(ctxTx, tenantID, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != models.MergeProposalStatusAccepted {
		return nil, apperror.InvalidState("proposal %s is %s, only accepted proposals can be executed", proposalID, proposal.Status)
	}
	snapshot := proposal.AnalysisSnapshot
	if snapshot == nil {
		return nil, apperror.InvalidState("proposal %s has no analysis snapshot", proposalID)
	}

	// Claim the proposal first. The conditional update makes concurrent
	// executions lose here instead of after they have moved rows around.
	if err := x.proposals.Transition(ctxTx, tenantID, proposalID, models.MergeProposalStatusAccepted, models.MergeProposalStatusExecuted, nil, nil); err != nil {
		return nil, err
	}

	source, target, err := x.validatePair(ctxTx, tenantID, proposal)
	if err != nil {
		return nil, err
	}

	for _, field := range overrideFields(overrides) {
		if !models.IsMergeableField(proposal.EntityType, field) {
			return nil, apperror.InvalidState("field %s cannot be overridden for %s entities", field, proposal.EntityType)
		}
	}

	recordID := uuid.NewString()

	counts, err := x.reassignReferences(ctxTx, tenantID, proposal, snapshot, recordID)
	if err != nil {
		return nil, err
	}

	fieldDiff, err := x.applyFields(ctxTx, tenantID, proposal, snapshot, overrides, target)
	if err != nil {
		return nil, err
	}

	if err := x.entities.Tombstone(ctxTx, tenantID, source.ID, target.ID); err != nil {
		return nil, apperror.NewExecutionError(StageTombstoneSource, err)
	}

	if err := x.candidates.UpdateStatusByPair(ctxTx, tenantID, source.ID, target.ID, models.DuplicateCandidateStatusMerged); err != nil {
		return nil, apperror.NewExecutionError(StageResolveCandidate, err)
	}

	record := &models.MergeRecord{
		ID:                        recordID,
		TenantID:                  tenantID,
		ProposalID:                proposal.ID,
		SourceID:                  source.ID,
		TargetID:                  target.ID,
		PerformedBy:               performedBy,
		PerformedAt:               time.Now().UTC(),
		FieldDiff:                 fieldDiff,
		ReassignedReferenceCounts: counts,
	}
	created, err := x.records.Create(ctxTx, record)
	if err != nil {
		return nil, apperror.NewExecutionError(StagePersistRecord, err)
	}

	if err := tx.Commit(ctxTx); err != nil {
		log.WithError(err).Error("Failed to commit merge transaction")
		return nil, apperror.NewExecutionError(StageCommit, err)
	}

	log.WithFields(map[string]any{
		"merge_record_id":       created.ID,
		"reassigned_references": counts.Total(),
		"fields_changed":        len(fieldDiff),
	}).Info("Merge executed")

	return created, nil
}

// validatePair re-checks inside the transaction that both entities still
// exist and neither has been merged since the proposal was reviewed.
func (x *Executor) validatePair(ctx context.Context, tenantID string, proposal *models.MergeProposal) (*models.Entity, *models.Entity, error) {
	source, err := x.entities.Get(ctx, tenantID, proposal.SourceID)
	if err != nil {
		return nil, nil, apperror.NewExecutionError(StageValidate, err)
	}
	target, err := x.entities.Get(ctx, tenantID, proposal.TargetID)
	if err != nil {
		return nil, nil, apperror.NewExecutionError(StageValidate, err)
	}
	if source.IsTombstoned() {
		return nil, nil, apperror.NewExecutionError(StageValidate, apperror.InvalidState("source entity %s has already been merged", source.ID))
	}
	if target.IsTombstoned() {
		return nil, nil, apperror.NewExecutionError(StageValidate, apperror.InvalidState("target entity %s has already been merged", target.ID))
	}
	return source, target, nil
}

// reassignReferences repoints every dependent row from source to target,
// logging each moved row against the merge record. The live counts must
// still match the reviewed snapshot; if the family has changed underneath
// the proposal the reviewer approved something that no longer exists.
func (x *Executor) reassignReferences(ctx context.Context, tenantID string, proposal *models.MergeProposal, snapshot *models.AnalysisSnapshot, recordID string) (models.RelationCounts, error) {
	current, err := x.entities.CountReferences(ctx, tenantID, proposal.SourceID)
	if err != nil {
		return nil, apperror.NewExecutionError(StageReassignReferences, err)
	}
	if !current.Equal(snapshot.AffectedCounts) {
		return nil, apperror.NewExecutionError(StageReassignReferences,
			apperror.Conflict("dependent references changed since review: reviewed %d, found %d", snapshot.AffectedCounts.Total(), current.Total()))
	}

	counts := models.RelationCounts{}
	for _, relation := range models.RelationTypes() {
		moved, err := x.entities.ReassignReferences(ctx, tenantID, proposal.SourceID, proposal.TargetID, relation, recordID)
		if err != nil {
			return nil, apperror.NewExecutionError(StageReassignReferences, err)
		}
		if moved > 0 {
			counts[relation] = moved
		}
	}
	return counts, nil
}

// applyFields writes the frozen merged field set (plus reviewer overrides)
// to the target, capturing the target's prior value for every field that
// changes so undo can restore it byte for byte.
func (x *Executor) applyFields(ctx context.Context, tenantID string, proposal *models.MergeProposal, snapshot *models.AnalysisSnapshot, overrides models.FieldSet, target *models.Entity) (models.FieldDiff, error) {
	merged := snapshot.MergedFields.Clone()
	for field, value := range overrides {
		merged[field] = value
	}

	fieldDiff := models.FieldDiff{}
	for _, field := range models.MergeableFields(proposal.EntityType) {
		before := target.Fields.Get(field)
		after := merged.Get(field)
		if before != after {
			fieldDiff[field] = before
		}
	}

	if err := x.entities.UpdateFields(ctx, tenantID, target.ID, merged); err != nil {
		return nil, apperror.NewExecutionError(StageApplyFields, err)
	}
	return fieldDiff, nil
}

func overrideFields(overrides models.FieldSet) []models.FieldName {
	fields := make([]models.FieldName, 0, len(overrides))
	for field := range overrides {
		fields = append(fields, field)
	}
	return fields
}
