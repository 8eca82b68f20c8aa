package integration

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinstack/briar/internal/repositories/entity"
	"github.com/kinstack/briar/pkg/models"
)

func TestReassignReferencesSkipsEdgesBetweenPair(t *testing.T) {
	db := setupDB(t)
	repo := entity.NewRepository(db, testLogger())

	tenant := newTenant()
	family := seedFamily(t, db, tenant)
	source := seedPerson(t, db, tenant, family, personFields("Martha", "Hale"))
	target := seedPerson(t, db, tenant, family, personFields("Marta", "Hale"))
	other := seedPerson(t, db, tenant, family, personFields("Greta", "Hale"))

	direct := seedEdge(t, db, tenant, source, target)
	inbound := seedEdge(t, db, tenant, other, source)
	outbound := seedEdge(t, db, tenant, source, other)

	// provenance rows precede their merge record inside the execution
	// transaction, so the reassignment runs in one and rolls back after
	ctx, tx, err := db.GetTx(context.Background(), nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	recordID := uuid.NewString()
	moved, err := repo.ReassignReferences(ctx, tenant, source, target, models.RelationRelationshipEdges, recordID)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	// the edge between the pair would become a self-edge; it stays put
	var from string
	require.NoError(t, db.GetContext(ctx, &from, "SELECT from_person_id FROM relationship_edges WHERE id = $1", direct))
	assert.Equal(t, source, from)

	var to string
	require.NoError(t, db.GetContext(ctx, &to, "SELECT to_person_id FROM relationship_edges WHERE id = $1", inbound))
	assert.Equal(t, target, to)

	require.NoError(t, db.GetContext(ctx, &from, "SELECT from_person_id FROM relationship_edges WHERE id = $1", outbound))
	assert.Equal(t, target, from)

	var logged []string
	require.NoError(t, db.SelectContext(ctx, &logged, "SELECT row_id FROM reassigned_references WHERE merge_record_id = $1", recordID))
	assert.ElementsMatch(t, []string{inbound, outbound}, logged)
	assert.NotContains(t, logged, direct)
}

func TestReassignReferencesMovesStories(t *testing.T) {
	db := setupDB(t)
	repo := entity.NewRepository(db, testLogger())

	tenant := newTenant()
	family := seedFamily(t, db, tenant)
	source := seedPerson(t, db, tenant, family, personFields("Martha", "Hale"))
	target := seedPerson(t, db, tenant, family, personFields("Marta", "Hale"))

	story := seedStory(t, db, tenant, family, source)
	kept := seedStory(t, db, tenant, family, target)

	ctx, tx, err := db.GetTx(context.Background(), nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	recordID := uuid.NewString()
	moved, err := repo.ReassignReferences(ctx, tenant, source, target, models.RelationStories, recordID)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	var owner string
	require.NoError(t, db.GetContext(ctx, &owner, "SELECT person_id FROM stories WHERE id = $1", story))
	assert.Equal(t, target, owner)

	require.NoError(t, db.GetContext(ctx, &owner, "SELECT person_id FROM stories WHERE id = $1", kept))
	assert.Equal(t, target, owner)

	var logged []string
	require.NoError(t, db.SelectContext(ctx, &logged, "SELECT row_id FROM reassigned_references WHERE merge_record_id = $1", recordID))
	assert.Equal(t, []string{story}, logged)
}
