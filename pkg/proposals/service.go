// Package proposals implements the merge proposal lifecycle: suggest,
// review, execute, undo.
package proposals

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/events"
	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/tracing"
)

// DefaultConfidence is assigned to manual proposals that carry no score.
const DefaultConfidence = 5.0

// Service drives the proposal state machine. All state changes go through
// conditional transitions in the store, so concurrent reviewers cannot
// double-resolve a proposal.
type Service struct {
	logger     ectologger.Logger
	db         TxStarter
	proposals  ProposalStore
	entities   EntityStore
	families   FamilyStore
	candidates CandidateStore
	previewer  Previewer
	executor   MergeExecutor
	audit      AuditSink
	graph      GraphProjector
}

// NewService creates a new proposal service
func NewService(
	logger ectologger.Logger,
	db TxStarter,
	proposals ProposalStore,
	entities EntityStore,
	families FamilyStore,
	candidates CandidateStore,
	previewer Previewer,
	executor MergeExecutor,
	audit AuditSink,
	graph GraphProjector,
) *Service {
	return &Service{
		logger:     logger,
		db:         db,
		proposals:  proposals,
		entities:   entities,
		families:   families,
		candidates: candidates,
		previewer:  previewer,
		executor:   executor,
		audit:      audit,
		graph:      graph,
	}
}

// Propose creates a pending proposal for merging source into target. The
// analysis snapshot is frozen here, at creation time, and never recomputed.
func (s *Service) Propose(ctx context.Context, tenantID string, req *models.CreateMergeProposalRequest, proposedBy string) (*models.MergeProposal, error) {
	ctx, span := tracing.StartSpan(ctx, "proposals.Service.Propose")
	defer span.End()

	if req.SourceID == req.TargetID {
		return nil, apperror.InvalidState("an entity cannot be merged into itself")
	}

	source, err := s.entities.Get(ctx, tenantID, req.SourceID)
	if err != nil {
		return nil, err
	}
	target, err := s.entities.Get(ctx, tenantID, req.TargetID)
	if err != nil {
		return nil, err
	}
	if source.EntityType != req.EntityType || target.EntityType != req.EntityType {
		return nil, apperror.InvalidState("entities do not match type %s", req.EntityType)
	}

	if err := s.checkFamilyAllowsMerging(ctx, tenantID, source, target); err != nil {
		return nil, err
	}

	snapshot, err := s.previewer.Snapshot(ctx, tenantID, req.SourceID, req.TargetID)
	if err != nil {
		return nil, err
	}

	confidence := req.ConfidenceScore
	if confidence == 0 {
		confidence = s.defaultConfidence(ctx, tenantID, req.SourceID, req.TargetID)
	}

	proposal := &models.MergeProposal{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		EntityType:       req.EntityType,
		SourceID:         req.SourceID,
		TargetID:         req.TargetID,
		ConfidenceScore:  confidence,
		Reason:           req.Reason,
		AnalysisSnapshot: snapshot,
		Status:           models.MergeProposalStatusPending,
		ProposedBy:       proposedBy,
	}

	created, err := s.proposals.Create(ctx, proposal)
	if err != nil {
		return nil, err
	}

	s.audit.EmitProposalLifecycle(ctx, events.EventTypeMergeProposed, created, proposedBy, map[string]any{
		"confidence_score": created.ConfidenceScore,
		"confidence_band":  string(created.ConfidenceBand()),
		"reason":           created.Reason,
	})

	return created, nil
}

// Get returns a proposal by ID.
func (s *Service) Get(ctx context.Context, tenantID string, id string) (*models.MergeProposal, error) {
	return s.proposals.Get(ctx, tenantID, id)
}

// ListByStatus returns proposals in a given status, highest confidence
// first.
func (s *Service) ListByStatus(ctx context.Context, tenantID string, status models.MergeProposalStatus, limit int) ([]models.MergeProposal, error) {
	return s.proposals.ListByStatus(ctx, tenantID, status, limit)
}

// Preview recomputes the live merge preview for a proposal's pair. The
// stored snapshot on the proposal is unaffected.
func (s *Service) Preview(ctx context.Context, tenantID string, id string) (*models.MergePreview, error) {
	ctx, span := tracing.StartSpan(ctx, "proposals.Service.Preview")
	defer span.End()

	proposal, err := s.proposals.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return s.previewer.Preview(ctx, tenantID, proposal.SourceID, proposal.TargetID)
}

// Accept moves a pending proposal to accepted.
func (s *Service) Accept(ctx context.Context, tenantID string, id string, reviewerID string) (*models.MergeProposal, error) {
	ctx, span := tracing.StartSpan(ctx, "proposals.Service.Accept")
	defer span.End()

	proposal, err := s.proposals.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	// Older proposals created before snapshot freezing get one on accept.
	if proposal.AnalysisSnapshot == nil {
		snapshot, err := s.previewer.Snapshot(ctx, tenantID, proposal.SourceID, proposal.TargetID)
		if err != nil {
			return nil, err
		}
		if err := s.proposals.FreezeSnapshot(ctx, tenantID, id, snapshot); err != nil {
			return nil, err
		}
	}

	if err := s.proposals.Transition(ctx, tenantID, id, models.MergeProposalStatusPending, models.MergeProposalStatusAccepted, &reviewerID, nil); err != nil {
		return nil, err
	}

	accepted, err := s.proposals.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	s.audit.EmitProposalLifecycle(ctx, events.EventTypeMergeAccepted, accepted, reviewerID, nil)

	return accepted, nil
}

// Reject moves a pending proposal to rejected and dismisses the underlying
// duplicate candidate so detection does not resurface the pair.
func (s *Service) Reject(ctx context.Context, tenantID string, id string, reviewerID string, reason string) (*models.MergeProposal, error) {
	ctx, span := tracing.StartSpan(ctx, "proposals.Service.Reject")
	defer span.End()

	ctxTx, tx, err := s.db.GetTx(ctx, nil)
	if err != nil {
		return nil, apperror.Internal("failed to begin transaction")
	}
	defer tx.Rollback(ctxTx)

	proposal, err := s.proposals.Get(ctxTx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if err := s.proposals.Transition(ctxTx, tenantID, id, models.MergeProposalStatusPending, models.MergeProposalStatusRejected, &reviewerID, &reason); err != nil {
		return nil, err
	}

	if err := s.candidates.UpdateStatusByPair(ctxTx, tenantID, proposal.SourceID, proposal.TargetID, models.DuplicateCandidateStatusDismissed); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, apperror.Internal("failed to commit rejection")
	}

	rejected, err := s.proposals.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	s.audit.EmitProposalLifecycle(ctx, events.EventTypeMergeRejected, rejected, reviewerID, map[string]any{
		"reason": reason,
	})

	return rejected, nil
}

// Execute runs the merge for an accepted proposal. An execution failure
// moves the proposal to failed with the stage and cause recorded; the
// entities themselves are left untouched by the rolled-back transaction.
func (s *Service) Execute(ctx context.Context, tenantID string, id string, overrides models.FieldSet, confirmedBy string) (*models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "proposals.Service.Execute")
	defer span.End()

	proposal, err := s.proposals.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if proposal.Status != models.MergeProposalStatusAccepted {
		return nil, apperror.InvalidState("proposal %s is %s, only accepted proposals can be executed", id, proposal.Status)
	}

	record, err := s.executor.Execute(ctx, tenantID, id, overrides, confirmedBy)
	if err != nil {
		if execErr, ok := apperror.AsExecutionError(err); ok {
			s.markFailed(ctx, tenantID, id, confirmedBy, execErr)
			s.audit.EmitProposalLifecycle(ctx, events.EventTypeMergeFailed, proposal, confirmedBy, map[string]any{
				"stage": execErr.Stage,
				"error": execErr.Error(),
			})
		}
		return nil, err
	}

	s.audit.EmitMergeExecuted(ctx, proposal, record, confirmedBy)
	s.graph.ProjectMerge(ctx, tenantID, proposal.EntityType, record.SourceID, record.TargetID)

	return record, nil
}

// Undo reverses an executed merge by its record ID.
func (s *Service) Undo(ctx context.Context, tenantID string, recordID string, undoneBy string) (*models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "proposals.Service.Undo")
	defer span.End()

	record, err := s.executor.Undo(ctx, tenantID, recordID, undoneBy)
	if err != nil {
		return nil, err
	}

	s.audit.EmitMergeUndone(ctx, record, undoneBy)

	if proposal, err := s.proposals.Get(ctx, tenantID, record.ProposalID); err == nil {
		s.graph.ProjectUndo(ctx, tenantID, proposal.EntityType, record.SourceID)
	}

	return record, nil
}

// checkFamilyAllowsMerging blocks proposals while either entity's family is
// in a state that forbids structural changes.
func (s *Service) checkFamilyAllowsMerging(ctx context.Context, tenantID string, source, target *models.Entity) error {
	familyIDs := []string{source.FamilyID}
	if target.FamilyID != source.FamilyID {
		familyIDs = append(familyIDs, target.FamilyID)
	}

	for _, familyID := range familyIDs {
		fam, err := s.families.Get(ctx, tenantID, familyID)
		if err != nil {
			return err
		}
		if !fam.Status.AllowsMerging() {
			return apperror.InvalidState("family %s is %s and does not allow merges", fam.ID, fam.Status)
		}
	}
	return nil
}

// defaultConfidence derives a score from the detected candidate when the
// caller supplied none.
func (s *Service) defaultConfidence(ctx context.Context, tenantID string, sourceID, targetID string) float64 {
	candidate, err := s.candidates.GetByEntityPair(ctx, tenantID, sourceID, targetID)
	if err != nil || candidate == nil {
		return DefaultConfidence
	}
	return candidate.RiskScore / 10
}

func (s *Service) markFailed(ctx context.Context, tenantID string, id string, actor string, execErr *apperror.ExecutionError) {
	details := execErr.Error()
	err := s.proposals.Transition(ctx, tenantID, id, models.MergeProposalStatusAccepted, models.MergeProposalStatusFailed, &actor, &details)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"proposal_id": id,
		}).Warn("Failed to record execution failure on proposal")
	}
}
