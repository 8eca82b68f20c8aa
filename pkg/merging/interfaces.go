package merging

import (
	"context"
	"database/sql"

	"github.com/kinstack/briar/pkg/database"
	"github.com/kinstack/briar/pkg/models"
)

// TxStarter opens a transaction and threads it through the context so every
// store call below participates in it.
type TxStarter interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// EntityStore is the slice of the entity repository the executor needs.
type EntityStore interface {
	Get(ctx context.Context, tenantID string, id string) (*models.Entity, error)
	UpdateFields(ctx context.Context, tenantID string, id string, fields models.FieldSet) error
	CountReferences(ctx context.Context, tenantID string, entityID string) (models.RelationCounts, error)
	ReassignReferences(ctx context.Context, tenantID string, fromID, toID string, relation models.RelationType, mergeRecordID string) (int, error)
	ReassignLogged(ctx context.Context, tenantID string, refs []models.ReassignedReference, fromID, toID string) (models.RelationCounts, error)
	Tombstone(ctx context.Context, tenantID string, id string, mergedIntoID string) error
	Untombstone(ctx context.Context, tenantID string, id string) error
}

// ProposalStore reads and transitions merge proposals.
type ProposalStore interface {
	Get(ctx context.Context, tenantID string, id string) (*models.MergeProposal, error)
	Transition(ctx context.Context, tenantID string, id string, from, to models.MergeProposalStatus, reviewedBy *string, errorDetails *string) error
}

// CandidateStore resolves and reopens duplicate candidates.
type CandidateStore interface {
	UpdateStatusByPair(ctx context.Context, tenantID string, entityA, entityB string, status models.DuplicateCandidateStatus) error
	Reopen(ctx context.Context, tenantID string, entityA, entityB string) error
}

// RecordStore persists and reads merge records.
type RecordStore interface {
	Create(ctx context.Context, record *models.MergeRecord) (*models.MergeRecord, error)
	Get(ctx context.Context, tenantID string, id string) (*models.MergeRecord, error)
	ListReassignedReferences(ctx context.Context, mergeRecordID string) ([]models.ReassignedReference, error)
	MarkUndone(ctx context.Context, tenantID string, id string, undoneBy string) error
}
