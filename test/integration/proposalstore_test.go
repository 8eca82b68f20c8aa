package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinstack/briar/internal/repositories/mergeproposal"
	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/models"
)

func TestProposalPairUniqueness(t *testing.T) {
	db := setupDB(t)
	repo := mergeproposal.NewRepository(db, testLogger())
	ctx := context.Background()

	tenant := newTenant()
	family := seedFamily(t, db, tenant)
	alpha := seedPerson(t, db, tenant, family, personFields("Martha", "Hale"))
	beta := seedPerson(t, db, tenant, family, personFields("Marta", "Hale"))

	first, err := repo.Create(ctx, newProposal(tenant, alpha, beta))
	require.NoError(t, err)

	_, err = repo.Create(ctx, newProposal(tenant, alpha, beta))
	assert.True(t, apperror.IsConflict(err))

	_, err = repo.Create(ctx, newProposal(tenant, beta, alpha))
	assert.True(t, apperror.IsConflict(err), "reversed pair should collide too")

	// a rejected proposal frees the pair for a fresh one
	reviewer := "reviewer-2"
	reason := "different people"
	require.NoError(t, repo.Transition(ctx, tenant, first.ID,
		models.MergeProposalStatusPending, models.MergeProposalStatusRejected, &reviewer, &reason))

	_, err = repo.Create(ctx, newProposal(tenant, beta, alpha))
	require.NoError(t, err)
}

func TestProposalTransitionCompareAndSet(t *testing.T) {
	db := setupDB(t)
	repo := mergeproposal.NewRepository(db, testLogger())
	ctx := context.Background()

	tenant := newTenant()
	family := seedFamily(t, db, tenant)
	alpha := seedPerson(t, db, tenant, family, personFields("Martha", "Hale"))
	beta := seedPerson(t, db, tenant, family, personFields("Marta", "Hale"))

	proposal, err := repo.Create(ctx, newProposal(tenant, alpha, beta))
	require.NoError(t, err)

	reviewer := "reviewer-2"
	require.NoError(t, repo.Transition(ctx, tenant, proposal.ID,
		models.MergeProposalStatusPending, models.MergeProposalStatusAccepted, &reviewer, nil))

	// a second accept arrives after the first one won
	err = repo.Transition(ctx, tenant, proposal.ID,
		models.MergeProposalStatusPending, models.MergeProposalStatusAccepted, &reviewer, nil)
	assert.True(t, apperror.IsInvalidState(err))

	// accepted proposals cannot be rejected
	err = repo.Transition(ctx, tenant, proposal.ID,
		models.MergeProposalStatusAccepted, models.MergeProposalStatusRejected, &reviewer, nil)
	assert.True(t, apperror.IsInvalidState(err))

	require.NoError(t, repo.Transition(ctx, tenant, proposal.ID,
		models.MergeProposalStatusAccepted, models.MergeProposalStatusExecuted, nil, nil))

	// executed is terminal
	err = repo.Transition(ctx, tenant, proposal.ID,
		models.MergeProposalStatusExecuted, models.MergeProposalStatusAccepted, nil, nil)
	assert.True(t, apperror.IsInvalidState(err))

	got, err := repo.Get(ctx, tenant, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MergeProposalStatusExecuted, got.Status)
	require.NotNil(t, got.ReviewedBy)
	assert.Equal(t, reviewer, *got.ReviewedBy)
	assert.NotNil(t, got.ReviewedAt)
}

func TestProposalFreezeSnapshotIsImmutable(t *testing.T) {
	db := setupDB(t)
	repo := mergeproposal.NewRepository(db, testLogger())
	ctx := context.Background()

	tenant := newTenant()
	family := seedFamily(t, db, tenant)
	alpha := seedPerson(t, db, tenant, family, personFields("Martha", "Hale"))
	beta := seedPerson(t, db, tenant, family, personFields("Marta", "Hale"))

	proposal, err := repo.Create(ctx, newProposal(tenant, alpha, beta))
	require.NoError(t, err)

	frozen := &models.AnalysisSnapshot{
		MergedFields:   models.FieldSet{models.FieldFirstName: "Martha", models.FieldLastName: "Hale"},
		AffectedCounts: models.RelationCounts{models.RelationStories: 2},
		CapturedAt:     time.Now().UTC(),
	}
	require.NoError(t, repo.FreezeSnapshot(ctx, tenant, proposal.ID, frozen))

	// a later freeze attempt is a no-op
	later := &models.AnalysisSnapshot{
		MergedFields: models.FieldSet{models.FieldFirstName: "Greta"},
		CapturedAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.FreezeSnapshot(ctx, tenant, proposal.ID, later))

	got, err := repo.Get(ctx, tenant, proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AnalysisSnapshot)
	assert.Equal(t, "Martha", got.AnalysisSnapshot.MergedFields[models.FieldFirstName])
	assert.Equal(t, 2, got.AnalysisSnapshot.AffectedCounts[models.RelationStories])
}
