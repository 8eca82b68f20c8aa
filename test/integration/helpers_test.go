package integration

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/kinstack/briar/pkg/database"
	"github.com/kinstack/briar/pkg/models"
)

// The suite needs a real postgres with pg_trgm available. Point
// BRIAR_TEST_DATABASE_URL at one to enable it; without the variable every
// test here skips.

var (
	migrateOnce sync.Once
	migrateErr  error
)

func setupDB(t *testing.T) database.DB {
	t.Helper()

	dsn := os.Getenv("BRIAR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BRIAR_TEST_DATABASE_URL not set")
	}

	sqlxDB, err := sqlx.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, sqlxDB.Ping())
	t.Cleanup(func() { sqlxDB.Close() })

	migrateOnce.Do(func() {
		driver, driverErr := migratepg.WithInstance(sqlxDB.DB, &migratepg.Config{})
		if driverErr != nil {
			migrateErr = driverErr
			return
		}
		ms := database.NewMigrationService(testLogger(), &database.MigrationConfig{MigrationFolderPath: "../../db/pg"})
		migrateErr = ms.Migrate("postgres", driver)
	})
	require.NoError(t, migrateErr)

	return database.NewDatabaseInstance(sqlxDB, testLogger())
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// newTenant returns a unique tenant so tests never see each other's rows.
func newTenant() string {
	return "tenant-" + uuid.NewString()
}

func seedFamily(t *testing.T, db database.DB, tenantID string) string {
	t.Helper()

	id := uuid.NewString()
	_, err := db.ExecContext(context.Background(),
		"INSERT INTO families (id, tenant_id, name) VALUES ($1, $2, $3)",
		id, tenantID, "Hale")
	require.NoError(t, err)
	return id
}

func seedPerson(t *testing.T, db database.DB, tenantID, familyID string, fields models.FieldSet) string {
	t.Helper()

	if fields == nil {
		fields = models.FieldSet{}
	}
	id := uuid.NewString()
	_, err := db.ExecContext(context.Background(),
		"INSERT INTO entities (id, tenant_id, family_id, entity_type, fields) VALUES ($1, $2, $3, 'person', $4)",
		id, tenantID, familyID, fields)
	require.NoError(t, err)
	return id
}

func seedStory(t *testing.T, db database.DB, tenantID, familyID, personID string) string {
	t.Helper()

	id := uuid.NewString()
	_, err := db.ExecContext(context.Background(),
		"INSERT INTO stories (id, tenant_id, family_id, person_id, title) VALUES ($1, $2, $3, $4, $5)",
		id, tenantID, familyID, personID, "The long winter")
	require.NoError(t, err)
	return id
}

func seedEdge(t *testing.T, db database.DB, tenantID, fromID, toID string) string {
	t.Helper()

	id := uuid.NewString()
	_, err := db.ExecContext(context.Background(),
		"INSERT INTO relationship_edges (id, tenant_id, from_person_id, to_person_id, kind) VALUES ($1, $2, $3, $4, $5)",
		id, tenantID, fromID, toID, "sibling")
	require.NoError(t, err)
	return id
}

func personFields(first, last string) models.FieldSet {
	return models.FieldSet{
		models.FieldFirstName: first,
		models.FieldLastName:  last,
	}
}

func newProposal(tenantID, sourceID, targetID string) *models.MergeProposal {
	return &models.MergeProposal{
		TenantID:        tenantID,
		EntityType:      models.EntityTypePerson,
		SourceID:        sourceID,
		TargetID:        targetID,
		ConfidenceScore: 7.5,
		Reason:          "same person entered twice",
		ProposedBy:      "reviewer-1",
	}
}
