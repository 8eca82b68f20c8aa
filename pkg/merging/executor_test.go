package merging

import (
	"context"
	"database/sql"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/database"
	"github.com/kinstack/briar/pkg/models"
)

// refRow is one dependent row in the fake store. Relationship edges appear
// twice when both endpoints matter, once per column.
type refRow struct {
	relation models.RelationType
	column   string
	rowID    string
	owner    string
}

type fakeState struct {
	entities   map[string]*models.Entity
	proposals  map[string]*models.MergeProposal
	candidates map[string]*models.DuplicateCandidate
	records    map[string]*models.MergeRecord
	refs       []models.ReassignedReference
	rows       []refRow
}

func newFakeState() *fakeState {
	return &fakeState{
		entities:   map[string]*models.Entity{},
		proposals:  map[string]*models.MergeProposal{},
		candidates: map[string]*models.DuplicateCandidate{},
		records:    map[string]*models.MergeRecord{},
	}
}

func (s *fakeState) clone() *fakeState {
	c := newFakeState()
	for k, v := range s.entities {
		e := *v
		e.Fields = v.Fields.Clone()
		c.entities[k] = &e
	}
	for k, v := range s.proposals {
		p := *v
		c.proposals[k] = &p
	}
	for k, v := range s.candidates {
		d := *v
		c.candidates[k] = &d
	}
	for k, v := range s.records {
		r := *v
		c.records[k] = &r
	}
	c.refs = append([]models.ReassignedReference(nil), s.refs...)
	c.rows = append([]refRow(nil), s.rows...)
	return c
}

// fakeDB hands out transactions that snapshot the state on open and restore
// it on rollback, mimicking the real transactional boundary.
type fakeDB struct {
	state *fakeState
}

func (d *fakeDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, &fakeTx{db: d, snapshot: d.state.clone()}, nil
}

type fakeTx struct {
	db        *fakeDB
	snapshot  *fakeState
	committed bool
	closed    bool
}

func (t *fakeTx) IsOpen() bool { return !t.closed }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	t.closed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	*t.db.state = *t.snapshot
	return nil
}

func (t *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}
func (t *fakeTx) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (t *fakeTx) NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error) {
	return nil, nil
}
func (t *fakeTx) QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row {
	return nil
}
func (t *fakeTx) QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	return nil, nil
}
func (t *fakeTx) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}

type fakeEntityStore struct{ state *fakeState }

func (f *fakeEntityStore) Get(ctx context.Context, tenantID string, id string) (*models.Entity, error) {
	e, ok := f.state.entities[id]
	if !ok {
		return nil, apperror.NotFound("entity %s not found", id)
	}
	copied := *e
	copied.Fields = e.Fields.Clone()
	return &copied, nil
}

func (f *fakeEntityStore) UpdateFields(ctx context.Context, tenantID string, id string, fields models.FieldSet) error {
	e, ok := f.state.entities[id]
	if !ok {
		return apperror.NotFound("entity %s not found", id)
	}
	e.Fields = fields.Clone()
	return nil
}

func (f *fakeEntityStore) CountReferences(ctx context.Context, tenantID string, entityID string) (models.RelationCounts, error) {
	counts := models.RelationCounts{}
	seen := map[string]bool{}
	for _, row := range f.state.rows {
		if row.owner == entityID && !seen[string(row.relation)+row.rowID] {
			seen[string(row.relation)+row.rowID] = true
			counts[row.relation]++
		}
	}
	return counts, nil
}

func (f *fakeEntityStore) ReassignReferences(ctx context.Context, tenantID string, fromID, toID string, relation models.RelationType, mergeRecordID string) (int, error) {
	moved := map[string]bool{}
	for i := range f.state.rows {
		row := &f.state.rows[i]
		if row.relation != relation || row.owner != fromID {
			continue
		}
		// Edges already touching the target stay put, as in the real store.
		if f.siblingOwnedBy(row, toID) {
			continue
		}
		row.owner = toID
		f.state.refs = append(f.state.refs, models.ReassignedReference{
			ID:            row.rowID + "-" + row.column,
			MergeRecordID: mergeRecordID,
			RelationType:  relation,
			ColumnName:    row.column,
			RowID:         row.rowID,
		})
		moved[row.rowID] = true
	}
	return len(moved), nil
}

func (f *fakeEntityStore) siblingOwnedBy(row *refRow, owner string) bool {
	for i := range f.state.rows {
		other := &f.state.rows[i]
		if other.rowID == row.rowID && other.relation == row.relation && other.column != row.column && other.owner == owner {
			return true
		}
	}
	return false
}

func (f *fakeEntityStore) ReassignLogged(ctx context.Context, tenantID string, refs []models.ReassignedReference, fromID, toID string) (models.RelationCounts, error) {
	counts := models.RelationCounts{}
	seen := map[string]bool{}
	for _, ref := range refs {
		found := false
		for i := range f.state.rows {
			row := &f.state.rows[i]
			if row.rowID != ref.RowID || row.column != ref.ColumnName {
				continue
			}
			if row.owner != toID {
				return nil, apperror.Conflict("reference row %s no longer points at the canonical entity", ref.RowID)
			}
			row.owner = fromID
			found = true
			if !seen[string(ref.RelationType)+ref.RowID] {
				seen[string(ref.RelationType)+ref.RowID] = true
				counts[ref.RelationType]++
			}
		}
		if !found {
			return nil, apperror.Conflict("reference row %s no longer exists", ref.RowID)
		}
	}
	return counts, nil
}

func (f *fakeEntityStore) Tombstone(ctx context.Context, tenantID string, id string, mergedIntoID string) error {
	e, ok := f.state.entities[id]
	if !ok || e.Status != models.EntityStatusActive {
		return apperror.Conflict("entity %s is not active", id)
	}
	e.Status = models.EntityStatusMerged
	e.MergedIntoID = &mergedIntoID
	return nil
}

func (f *fakeEntityStore) Untombstone(ctx context.Context, tenantID string, id string) error {
	e, ok := f.state.entities[id]
	if !ok || e.Status != models.EntityStatusMerged {
		return apperror.Conflict("entity %s is not tombstoned", id)
	}
	e.Status = models.EntityStatusActive
	e.MergedIntoID = nil
	return nil
}

type fakeProposalStore struct{ state *fakeState }

func (f *fakeProposalStore) Get(ctx context.Context, tenantID string, id string) (*models.MergeProposal, error) {
	p, ok := f.state.proposals[id]
	if !ok {
		return nil, apperror.NotFound("merge proposal %s not found", id)
	}
	copied := *p
	return &copied, nil
}

func (f *fakeProposalStore) Transition(ctx context.Context, tenantID string, id string, from, to models.MergeProposalStatus, reviewedBy *string, errorDetails *string) error {
	p, ok := f.state.proposals[id]
	if !ok {
		return apperror.NotFound("merge proposal %s not found", id)
	}
	if !models.CanTransition(from, to) || p.Status != from {
		return apperror.InvalidState("proposal %s is %s, expected %s", id, p.Status, from)
	}
	p.Status = to
	if reviewedBy != nil {
		p.ReviewedBy = reviewedBy
	}
	p.ErrorDetails = errorDetails
	return nil
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

type fakeCandidateStore struct{ state *fakeState }

func (f *fakeCandidateStore) UpdateStatusByPair(ctx context.Context, tenantID string, entityA, entityB string, status models.DuplicateCandidateStatus) error {
	if c, ok := f.state.candidates[pairKey(entityA, entityB)]; ok {
		c.Status = status
	}
	return nil
}

func (f *fakeCandidateStore) Reopen(ctx context.Context, tenantID string, entityA, entityB string) error {
	if c, ok := f.state.candidates[pairKey(entityA, entityB)]; ok {
		c.Status = models.DuplicateCandidateStatusPending
	}
	return nil
}

type fakeRecordStore struct{ state *fakeState }

func (f *fakeRecordStore) Create(ctx context.Context, record *models.MergeRecord) (*models.MergeRecord, error) {
	copied := *record
	f.state.records[record.ID] = &copied
	result := copied
	return &result, nil
}

func (f *fakeRecordStore) Get(ctx context.Context, tenantID string, id string) (*models.MergeRecord, error) {
	r, ok := f.state.records[id]
	if !ok {
		return nil, apperror.NotFound("merge record %s not found", id)
	}
	copied := *r
	return &copied, nil
}

func (f *fakeRecordStore) ListReassignedReferences(ctx context.Context, mergeRecordID string) ([]models.ReassignedReference, error) {
	var out []models.ReassignedReference
	for _, ref := range f.state.refs {
		if ref.MergeRecordID == mergeRecordID {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (f *fakeRecordStore) MarkUndone(ctx context.Context, tenantID string, id string, undoneBy string) error {
	r, ok := f.state.records[id]
	if !ok {
		return apperror.NotFound("merge record %s not found", id)
	}
	if r.Undone {
		return apperror.Conflict("merge record %s is already undone", id)
	}
	r.Undone = true
	r.UndoneBy = &undoneBy
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type harness struct {
	state    *fakeState
	executor *Executor
}

func newHarness() *harness {
	state := newFakeState()
	db := &fakeDB{state: state}
	executor := NewExecutor(
		testLogger(),
		db,
		&fakeEntityStore{state: state},
		&fakeProposalStore{state: state},
		&fakeCandidateStore{state: state},
		&fakeRecordStore{state: state},
	)
	return &harness{state: state, executor: executor}
}

func (h *harness) addPerson(id string, fields models.FieldSet) {
	h.state.entities[id] = &models.Entity{
		ID:         id,
		TenantID:   "t1",
		FamilyID:   "f1",
		EntityType: models.EntityTypePerson,
		Fields:     fields,
		Status:     models.EntityStatusActive,
	}
}

func (h *harness) addProposal(id, sourceID, targetID string, status models.MergeProposalStatus, snapshot *models.AnalysisSnapshot) {
	h.state.proposals[id] = &models.MergeProposal{
		ID:               id,
		TenantID:         "t1",
		EntityType:       models.EntityTypePerson,
		SourceID:         sourceID,
		TargetID:         targetID,
		ConfidenceScore:  8,
		Status:           status,
		AnalysisSnapshot: snapshot,
	}
}

func (h *harness) addCandidate(a, b string) {
	h.state.candidates[pairKey(a, b)] = &models.DuplicateCandidate{
		ID:        "cand-" + a + b,
		TenantID:  "t1",
		EntityAID: a,
		EntityBID: b,
		Status:    models.DuplicateCandidateStatusPending,
	}
}

func setupExecutable(h *harness) {
	h.addPerson("dup", models.FieldSet{
		models.FieldFirstName:  "Marta",
		models.FieldBirthPlace: "Galway",
	})
	h.addPerson("can", models.FieldSet{
		models.FieldFirstName: "Martha",
		models.FieldLastName:  "Hale",
	})
	h.addCandidate("dup", "can")
	h.state.rows = []refRow{
		{relation: models.RelationStories, column: "person_id", rowID: "s1", owner: "dup"},
		{relation: models.RelationStories, column: "person_id", rowID: "s2", owner: "dup"},
		{relation: models.RelationMediaLinks, column: "person_id", rowID: "m1", owner: "dup"},
		{relation: models.RelationRelationshipEdges, column: "from_person_id", rowID: "e1", owner: "dup"},
		{relation: models.RelationRelationshipEdges, column: "to_person_id", rowID: "e1", owner: "other"},
	}
	h.addProposal("p1", "dup", "can", models.MergeProposalStatusAccepted, &models.AnalysisSnapshot{
		MergedFields: models.FieldSet{
			models.FieldFirstName:  "Martha",
			models.FieldLastName:   "Hale",
			models.FieldBirthPlace: "Galway",
		},
		AffectedCounts: models.RelationCounts{
			models.RelationStories:           2,
			models.RelationMediaLinks:        1,
			models.RelationRelationshipEdges: 1,
		},
	})
}

func TestExecutorExecute(t *testing.T) {
	h := newHarness()
	setupExecutable(h)

	record, err := h.executor.Execute(context.Background(), "t1", "p1", nil, "reviewer-1")
	require.NoError(t, err)

	assert.Equal(t, "p1", record.ProposalID)
	assert.Equal(t, 4, record.ReassignedReferenceCounts.Total())
	assert.Equal(t, 2, record.ReassignedReferenceCounts[models.RelationStories])

	source := h.state.entities["dup"]
	assert.Equal(t, models.EntityStatusMerged, source.Status)
	require.NotNil(t, source.MergedIntoID)
	assert.Equal(t, "can", *source.MergedIntoID)

	target := h.state.entities["can"]
	assert.Equal(t, "Martha", target.Fields.Get(models.FieldFirstName))
	assert.Equal(t, "Galway", target.Fields.Get(models.FieldBirthPlace))

	// birth_place was empty on the canonical before the merge
	assert.Equal(t, models.FieldDiff{models.FieldBirthPlace: ""}, record.FieldDiff)

	assert.Equal(t, models.MergeProposalStatusExecuted, h.state.proposals["p1"].Status)
	assert.Equal(t, models.DuplicateCandidateStatusMerged, h.state.candidates[pairKey("dup", "can")].Status)

	for _, row := range h.state.rows {
		if row.rowID == "e1" && row.column == "to_person_id" {
			assert.Equal(t, "other", row.owner, "rows pointing elsewhere must not move")
		} else {
			assert.Equal(t, "can", row.owner)
		}
	}
}

func TestExecutorExecuteWithOverrides(t *testing.T) {
	h := newHarness()
	setupExecutable(h)

	overrides := models.FieldSet{models.FieldBirthPlace: "Sligo"}
	record, err := h.executor.Execute(context.Background(), "t1", "p1", overrides, "reviewer-1")
	require.NoError(t, err)

	assert.Equal(t, "Sligo", h.state.entities["can"].Fields.Get(models.FieldBirthPlace))
	assert.Equal(t, "", record.FieldDiff[models.FieldBirthPlace])
}

func TestExecutorExecuteRejectsUnknownOverride(t *testing.T) {
	h := newHarness()
	setupExecutable(h)

	overrides := models.FieldSet{models.FieldName("favorite_color"): "blue"}
	_, err := h.executor.Execute(context.Background(), "t1", "p1", overrides, "reviewer-1")
	assert.True(t, apperror.IsInvalidState(err))
	assert.Equal(t, models.MergeProposalStatusAccepted, h.state.proposals["p1"].Status)
}

func TestExecutorExecuteOnlyAccepted(t *testing.T) {
	h := newHarness()
	setupExecutable(h)
	h.state.proposals["p1"].Status = models.MergeProposalStatusPending

	_, err := h.executor.Execute(context.Background(), "t1", "p1", nil, "reviewer-1")
	assert.True(t, apperror.IsInvalidState(err))
	_, isExec := apperror.AsExecutionError(err)
	assert.False(t, isExec)
}

func TestExecutorExecuteTwice(t *testing.T) {
	h := newHarness()
	setupExecutable(h)

	_, err := h.executor.Execute(context.Background(), "t1", "p1", nil, "reviewer-1")
	require.NoError(t, err)

	_, err = h.executor.Execute(context.Background(), "t1", "p1", nil, "reviewer-1")
	assert.True(t, apperror.IsInvalidState(err))
}

func TestExecutorCountMismatchRollsBack(t *testing.T) {
	h := newHarness()
	setupExecutable(h)
	// A story was added after the reviewer accepted.
	h.state.rows = append(h.state.rows, refRow{
		relation: models.RelationStories, column: "person_id", rowID: "s3", owner: "dup",
	})

	before := h.state.clone()

	_, err := h.executor.Execute(context.Background(), "t1", "p1", nil, "reviewer-1")
	execErr, ok := apperror.AsExecutionError(err)
	require.True(t, ok)
	assert.Equal(t, StageReassignReferences, execErr.Stage)

	assert.Equal(t, before.entities["dup"].Status, h.state.entities["dup"].Status)
	assert.Equal(t, before.entities["can"].Fields, h.state.entities["can"].Fields)
	assert.Equal(t, models.MergeProposalStatusAccepted, h.state.proposals["p1"].Status)
	assert.Empty(t, h.state.records)
	assert.Empty(t, h.state.refs)
}

func TestExecutorExecuteSkipsEdgesBetweenPair(t *testing.T) {
	h := newHarness()
	setupExecutable(h)
	// The pair is linked directly; repointing that edge would self-loop.
	h.state.rows = append(h.state.rows,
		refRow{relation: models.RelationRelationshipEdges, column: "from_person_id", rowID: "e2", owner: "dup"},
		refRow{relation: models.RelationRelationshipEdges, column: "to_person_id", rowID: "e2", owner: "can"},
	)
	h.state.proposals["p1"].AnalysisSnapshot.AffectedCounts[models.RelationRelationshipEdges] = 2

	record, err := h.executor.Execute(context.Background(), "t1", "p1", nil, "reviewer-1")
	require.NoError(t, err)

	assert.Equal(t, 1, record.ReassignedReferenceCounts[models.RelationRelationshipEdges])
	for _, row := range h.state.rows {
		if row.rowID == "e2" && row.column == "from_person_id" {
			assert.Equal(t, "dup", row.owner, "direct edge must not move")
		}
	}
	for _, ref := range h.state.refs {
		assert.NotEqual(t, "e2", ref.RowID, "skipped edges must not be logged")
	}

	undone, err := h.executor.Undo(context.Background(), "t1", record.ID, "admin-1")
	require.NoError(t, err)
	assert.True(t, undone.Undone)
	assert.Equal(t, models.EntityStatusActive, h.state.entities["dup"].Status)
}

func TestExecutorTombstonedSourceFailsValidate(t *testing.T) {
	h := newHarness()
	setupExecutable(h)
	gone := "elsewhere"
	h.state.entities["dup"].Status = models.EntityStatusMerged
	h.state.entities["dup"].MergedIntoID = &gone

	_, err := h.executor.Execute(context.Background(), "t1", "p1", nil, "reviewer-1")
	execErr, ok := apperror.AsExecutionError(err)
	require.True(t, ok)
	assert.Equal(t, StageValidate, execErr.Stage)
	assert.Equal(t, models.MergeProposalStatusAccepted, h.state.proposals["p1"].Status)
}

func TestExecutorUndoRoundTrip(t *testing.T) {
	h := newHarness()
	setupExecutable(h)

	originalDup := h.state.entities["dup"].Fields.Clone()
	originalCan := h.state.entities["can"].Fields.Clone()

	record, err := h.executor.Execute(context.Background(), "t1", "p1", nil, "reviewer-1")
	require.NoError(t, err)

	undone, err := h.executor.Undo(context.Background(), "t1", record.ID, "admin-1")
	require.NoError(t, err)
	assert.True(t, undone.Undone)

	dup := h.state.entities["dup"]
	assert.Equal(t, models.EntityStatusActive, dup.Status)
	assert.Nil(t, dup.MergedIntoID)
	assert.Equal(t, originalDup, dup.Fields)
	assert.Equal(t, originalCan, h.state.entities["can"].Fields)

	for _, row := range h.state.rows {
		if row.rowID == "e1" && row.column == "to_person_id" {
			continue
		}
		assert.Equal(t, "dup", row.owner)
	}

	assert.Equal(t, models.DuplicateCandidateStatusPending, h.state.candidates[pairKey("dup", "can")].Status)
	assert.True(t, h.state.records[record.ID].Undone)
}

func TestExecutorUndoTwice(t *testing.T) {
	h := newHarness()
	setupExecutable(h)

	record, err := h.executor.Execute(context.Background(), "t1", "p1", nil, "reviewer-1")
	require.NoError(t, err)

	_, err = h.executor.Undo(context.Background(), "t1", record.ID, "admin-1")
	require.NoError(t, err)

	_, err = h.executor.Undo(context.Background(), "t1", record.ID, "admin-1")
	assert.True(t, apperror.IsConflict(err))
}

func TestExecutorUndoUnknownRecord(t *testing.T) {
	h := newHarness()
	setupExecutable(h)

	_, err := h.executor.Undo(context.Background(), "t1", "missing", "admin-1")
	assert.True(t, apperror.IsNotFound(err))
}
