package proposals

import (
	"context"
	"database/sql"

	"github.com/kinstack/briar/pkg/database"
	"github.com/kinstack/briar/pkg/events"
	"github.com/kinstack/briar/pkg/models"
)

// TxStarter opens a transaction threaded through the context.
type TxStarter interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// ProposalStore is the proposal repository surface the service uses.
type ProposalStore interface {
	Create(ctx context.Context, proposal *models.MergeProposal) (*models.MergeProposal, error)
	Get(ctx context.Context, tenantID string, id string) (*models.MergeProposal, error)
	ListByStatus(ctx context.Context, tenantID string, status models.MergeProposalStatus, limit int) ([]models.MergeProposal, error)
	Transition(ctx context.Context, tenantID string, id string, from, to models.MergeProposalStatus, reviewedBy *string, errorDetails *string) error
	FreezeSnapshot(ctx context.Context, tenantID string, id string, snapshot *models.AnalysisSnapshot) error
}

// EntityStore reads entities.
type EntityStore interface {
	Get(ctx context.Context, tenantID string, id string) (*models.Entity, error)
}

// FamilyStore reads family aggregates.
type FamilyStore interface {
	Get(ctx context.Context, tenantID string, id string) (*models.Family, error)
}

// CandidateStore reads and resolves duplicate candidates.
type CandidateStore interface {
	GetByEntityPair(ctx context.Context, tenantID string, entityA, entityB string) (*models.DuplicateCandidate, error)
	UpdateStatusByPair(ctx context.Context, tenantID string, entityA, entityB string, status models.DuplicateCandidateStatus) error
}

// Previewer computes merge previews and frozen snapshots.
type Previewer interface {
	Preview(ctx context.Context, tenantID string, sourceID, targetID string) (*models.MergePreview, error)
	Snapshot(ctx context.Context, tenantID string, sourceID, targetID string) (*models.AnalysisSnapshot, error)
}

// MergeExecutor executes and reverses merges.
type MergeExecutor interface {
	Execute(ctx context.Context, tenantID string, proposalID string, overrides models.FieldSet, performedBy string) (*models.MergeRecord, error)
	Undo(ctx context.Context, tenantID string, recordID string, undoneBy string) (*models.MergeRecord, error)
}

// AuditSink receives lifecycle audit events. Implementations are
// best-effort and never block the calling operation on failure.
type AuditSink interface {
	EmitProposalLifecycle(ctx context.Context, eventType events.EventType, proposal *models.MergeProposal, actorID string, details map[string]any)
	EmitMergeExecuted(ctx context.Context, proposal *models.MergeProposal, record *models.MergeRecord, actorID string)
	EmitMergeUndone(ctx context.Context, record *models.MergeRecord, actorID string)
}

// GraphProjector mirrors merge outcomes into the family graph.
type GraphProjector interface {
	ProjectMerge(ctx context.Context, tenantID string, entityType models.EntityType, sourceID, targetID string)
	ProjectUndo(ctx context.Context, tenantID string, entityType models.EntityType, sourceID string)
}
