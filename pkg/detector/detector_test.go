package detector

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/models"
)

type fakeSignalStore struct {
	scanned      int
	recomputeErr error
	candidates   []models.DuplicateCandidate
	listErr      error

	gotMinScore float64
	gotLimit    int
}

func (f *fakeSignalStore) RecomputeSignals(ctx context.Context, tenantID string) (int, error) {
	return f.scanned, f.recomputeErr
}

func (f *fakeSignalStore) ListCandidates(ctx context.Context, tenantID string, minScore float64, limit int) ([]models.DuplicateCandidate, error) {
	f.gotMinScore = minScore
	f.gotLimit = limit
	return f.candidates, f.listErr
}

type proposeCall struct {
	req        *models.CreateMergeProposalRequest
	proposedBy string
}

type fakeProposer struct {
	calls  []proposeCall
	errs   map[string]error
	onCall func()
}

func (f *fakeProposer) Propose(ctx context.Context, tenantID string, req *models.CreateMergeProposalRequest, proposedBy string) (*models.MergeProposal, error) {
	if f.onCall != nil {
		f.onCall()
	}
	f.calls = append(f.calls, proposeCall{req: req, proposedBy: proposedBy})
	if err, ok := f.errs[req.SourceID]; ok {
		return nil, err
	}
	return &models.MergeProposal{ID: "prop-" + req.SourceID}, nil
}

type fakeOpenChecker struct {
	open map[string]bool
}

func (f *fakeOpenChecker) GetOpenByPair(ctx context.Context, tenantID string, entityA, entityB string) (*models.MergeProposal, error) {
	if f.open[entityA+"|"+entityB] {
		return &models.MergeProposal{ID: "existing", Status: models.MergeProposalStatusPending}, nil
	}
	return nil, nil
}

type fakeAuditSink struct {
	emitted int
	details map[string]any
}

func (f *fakeAuditSink) EmitCollisionRunCompleted(ctx context.Context, tenantID string, actorID string, details map[string]any) {
	f.emitted++
	f.details = details
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func candidate(a, b string, score float64) models.DuplicateCandidate {
	return models.DuplicateCandidate{
		ID:         "cand-" + a + b,
		TenantID:   "t1",
		EntityType: models.EntityTypePerson,
		EntityAID:  a,
		EntityBID:  b,
		RiskScore:  score,
		Status:     models.DuplicateCandidateStatusPending,
	}
}

func newTestDetector(store *fakeSignalStore, proposer *fakeProposer, checker *fakeOpenChecker, audit *fakeAuditSink) *Detector {
	return NewDetector(testLogger(), store, proposer, checker, audit, Config{
		HighRiskThreshold: 70,
		BatchSize:         50,
	})
}

func TestDetectorRun(t *testing.T) {
	store := &fakeSignalStore{
		scanned: 120,
		candidates: []models.DuplicateCandidate{
			candidate("a1", "b1", 92),
			candidate("a2", "b2", 75),
		},
	}
	proposer := &fakeProposer{}
	checker := &fakeOpenChecker{}
	audit := &fakeAuditSink{}

	summary, err := newTestDetector(store, proposer, checker, audit).Run(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, 120, summary.EntitiesScanned)
	assert.Equal(t, 2, summary.CandidatesFound)
	assert.Equal(t, 2, summary.ProposalsCreated)
	assert.Equal(t, 0, summary.PairsSkipped)

	assert.Equal(t, float64(70), store.gotMinScore)
	assert.Equal(t, 50, store.gotLimit)

	require.Len(t, proposer.calls, 2)
	first := proposer.calls[0]
	assert.Equal(t, ProposedByDetector, first.proposedBy)
	assert.Equal(t, "a1", first.req.SourceID)
	assert.Equal(t, "b1", first.req.TargetID)
	assert.InDelta(t, 9.2, first.req.ConfidenceScore, 0.001)
	assert.NotEmpty(t, first.req.Reason)

	assert.Equal(t, 1, audit.emitted)
	assert.Equal(t, 2, audit.details["proposals_created"])
}

func TestDetectorRunSkipsOpenPairs(t *testing.T) {
	store := &fakeSignalStore{
		scanned: 10,
		candidates: []models.DuplicateCandidate{
			candidate("a1", "b1", 92),
			candidate("a2", "b2", 80),
		},
	}
	proposer := &fakeProposer{}
	checker := &fakeOpenChecker{open: map[string]bool{"a1|b1": true}}
	audit := &fakeAuditSink{}

	summary, err := newTestDetector(store, proposer, checker, audit).Run(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ProposalsCreated)
	assert.Equal(t, 1, summary.PairsSkipped)
	require.Len(t, proposer.calls, 1)
	assert.Equal(t, "a2", proposer.calls[0].req.SourceID)
}

func TestDetectorRunTreatsConflictAsSkip(t *testing.T) {
	store := &fakeSignalStore{
		candidates: []models.DuplicateCandidate{candidate("a1", "b1", 92)},
	}
	proposer := &fakeProposer{
		errs: map[string]error{"a1": apperror.Conflict("an open proposal already exists for this pair")},
	}
	audit := &fakeAuditSink{}

	summary, err := newTestDetector(store, proposer, &fakeOpenChecker{}, audit).Run(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, 0, summary.ProposalsCreated)
	assert.Equal(t, 1, summary.PairsSkipped)
}

func TestDetectorRunContinuesPastFailures(t *testing.T) {
	store := &fakeSignalStore{
		candidates: []models.DuplicateCandidate{
			candidate("a1", "b1", 92),
			candidate("a2", "b2", 85),
			candidate("a3", "b3", 71),
		},
	}
	proposer := &fakeProposer{
		errs: map[string]error{"a2": apperror.Internal("database unavailable")},
	}
	audit := &fakeAuditSink{}

	summary, err := newTestDetector(store, proposer, &fakeOpenChecker{}, audit).Run(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, 2, summary.ProposalsCreated)
	assert.Equal(t, 1, summary.PairsSkipped)
	assert.Equal(t, 1, audit.emitted)
}

func TestDetectorRunAbortsOnRecomputeFailure(t *testing.T) {
	store := &fakeSignalStore{
		recomputeErr: apperror.ExternalDependency("signal recompute failed"),
	}
	proposer := &fakeProposer{}
	audit := &fakeAuditSink{}

	summary, err := newTestDetector(store, proposer, &fakeOpenChecker{}, audit).Run(context.Background(), "t1")
	assert.Error(t, err)
	assert.Nil(t, summary)
	assert.Empty(t, proposer.calls)
	assert.Equal(t, 0, audit.emitted)
}

func TestDetectorRunHonorsCancellation(t *testing.T) {
	store := &fakeSignalStore{
		scanned: 5,
		candidates: []models.DuplicateCandidate{
			candidate("a1", "b1", 92),
			candidate("a2", "b2", 85),
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	proposer := &fakeProposer{onCall: cancel}
	audit := &fakeAuditSink{}

	summary, err := newTestDetector(store, proposer, &fakeOpenChecker{}, audit).Run(ctx, "t1")
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.ProposalsCreated)
	assert.Len(t, proposer.calls, 1)
}
