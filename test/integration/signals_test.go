package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinstack/briar/internal/repositories/duplicatecandidate"
	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/signals"
)

func similarPerson(first, last, birthDate string) models.FieldSet {
	return models.FieldSet{
		models.FieldFirstName: first,
		models.FieldLastName:  last,
		models.FieldBirthDate: birthDate,
	}
}

func TestRecomputeFlagsSimilarPeople(t *testing.T) {
	db := setupDB(t)
	store := signals.NewPostgresStore(db, testLogger())
	ctx := context.Background()

	tenant := newTenant()
	family := seedFamily(t, db, tenant)
	alpha := seedPerson(t, db, tenant, family, similarPerson("Martha", "Hale", "1901-03-14"))
	beta := seedPerson(t, db, tenant, family, similarPerson("Marta", "Hale", "1901-03-14"))
	seedPerson(t, db, tenant, family, similarPerson("Greta", "Voss", "1955-07-01"))

	scanned, err := store.RecomputeSignals(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 3, scanned)

	candidates, err := store.ListCandidates(ctx, tenant, 40, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.ElementsMatch(t, []string{alpha, beta},
		[]string{candidates[0].EntityAID, candidates[0].EntityBID})
	assert.GreaterOrEqual(t, candidates[0].RiskScore, 40.0)
	assert.Equal(t, models.DuplicateCandidateStatusPending, candidates[0].Status)
}

func TestRecomputeDismissedPairDoesNotResurface(t *testing.T) {
	db := setupDB(t)
	store := signals.NewPostgresStore(db, testLogger())
	candidates := duplicatecandidate.NewRepository(db, testLogger())
	ctx := context.Background()

	tenant := newTenant()
	family := seedFamily(t, db, tenant)
	alpha := seedPerson(t, db, tenant, family, similarPerson("Martha", "Hale", "1901-03-14"))
	beta := seedPerson(t, db, tenant, family, similarPerson("Marta", "Hale", "1901-03-14"))

	_, err := store.RecomputeSignals(ctx, tenant)
	require.NoError(t, err)

	flagged, err := store.ListCandidates(ctx, tenant, 40, 10)
	require.NoError(t, err)
	require.Len(t, flagged, 1)

	require.NoError(t, candidates.UpdateStatusByPair(ctx, tenant, alpha, beta, models.DuplicateCandidateStatusDismissed))

	// the pair still scores high but the dismissal sticks
	_, err = store.RecomputeSignals(ctx, tenant)
	require.NoError(t, err)

	flagged, err = store.ListCandidates(ctx, tenant, 40, 10)
	require.NoError(t, err)
	assert.Empty(t, flagged)

	open, err := candidates.GetByEntityPair(ctx, tenant, alpha, beta)
	require.NoError(t, err)
	assert.Nil(t, open)
}
