// Package detector scans a tenant's entities for likely duplicates and
// turns high-risk pairs into pending merge proposals.
package detector

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/signals"
	"github.com/kinstack/briar/pkg/tracing"
)

// ProposedByDetector marks proposals created by automated detection.
const ProposedByDetector = "collision-detector"

const detectionReason = "automated collision detection"

// Proposer creates merge proposals from detected candidates.
type Proposer interface {
	Propose(ctx context.Context, tenantID string, req *models.CreateMergeProposalRequest, proposedBy string) (*models.MergeProposal, error)
}

// OpenProposalChecker looks up non-terminal proposals for a pair.
type OpenProposalChecker interface {
	GetOpenByPair(ctx context.Context, tenantID string, entityA, entityB string) (*models.MergeProposal, error)
}

// AuditSink receives the run summary event.
type AuditSink interface {
	EmitCollisionRunCompleted(ctx context.Context, tenantID string, actorID string, details map[string]any)
}

// Config holds detection thresholds.
type Config struct {
	// HighRiskThreshold is the minimum risk score (0-100) at which a
	// candidate becomes a proposal.
	HighRiskThreshold float64
	// BatchSize caps the candidates handled per run.
	BatchSize int
}

// RunSummary reports what a detection run did.
type RunSummary struct {
	EntitiesScanned  int `json:"entities_scanned"`
	CandidatesFound  int `json:"candidates_found"`
	ProposalsCreated int `json:"proposals_created"`
	PairsSkipped     int `json:"pairs_skipped"`
}

// Detector runs collision detection for a tenant.
type Detector struct {
	logger    ectologger.Logger
	signals   signals.Store
	proposer  Proposer
	proposals OpenProposalChecker
	audit     AuditSink
	cfg       Config
}

// NewDetector creates a new collision detector
func NewDetector(logger ectologger.Logger, store signals.Store, proposer Proposer, proposals OpenProposalChecker, audit AuditSink, cfg Config) *Detector {
	return &Detector{
		logger:    logger,
		signals:   store,
		proposer:  proposer,
		proposals: proposals,
		audit:     audit,
		cfg:       cfg,
	}
}

// Run recomputes signals for the tenant, then walks high-risk candidates
// creating proposals. A failed candidate is logged and skipped; only a
// signal store failure aborts the run. Cancellation is honored between
// candidates, so a cancelled run never leaves a half-created proposal.
func (d *Detector) Run(ctx context.Context, tenantID string) (*RunSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "detector.Detector.Run")
	defer span.End()

	log := d.logger.WithContext(ctx).WithFields(map[string]any{"tenant_id": tenantID})

	scanned, err := d.signals.RecomputeSignals(ctx, tenantID)
	if err != nil {
		log.WithError(err).Error("Collision run aborted: signal recompute failed")
		return nil, err
	}

	candidates, err := d.signals.ListCandidates(ctx, tenantID, d.cfg.HighRiskThreshold, d.cfg.BatchSize)
	if err != nil {
		log.WithError(err).Error("Collision run aborted: candidate listing failed")
		return nil, err
	}

	summary := &RunSummary{
		EntitiesScanned: scanned,
		CandidatesFound: len(candidates),
	}

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			log.WithFields(map[string]any{"handled": i}).Warn("Collision run cancelled")
			return summary, err
		}

		candidate := &candidates[i]
		created, err := d.propose(ctx, tenantID, candidate)
		switch {
		case err == nil && created:
			summary.ProposalsCreated++
		case err == nil:
			summary.PairsSkipped++
		default:
			summary.PairsSkipped++
			log.WithError(err).WithFields(map[string]any{
				"candidate_id": candidate.ID,
				"entity_a_id":  candidate.EntityAID,
				"entity_b_id":  candidate.EntityBID,
			}).Warn("Skipping candidate")
		}
	}

	log.WithFields(map[string]any{
		"entities_scanned":  summary.EntitiesScanned,
		"candidates_found":  summary.CandidatesFound,
		"proposals_created": summary.ProposalsCreated,
		"pairs_skipped":     summary.PairsSkipped,
	}).Info("Collision run completed")

	d.audit.EmitCollisionRunCompleted(ctx, tenantID, ProposedByDetector, map[string]any{
		"entities_scanned":  summary.EntitiesScanned,
		"candidates_found":  summary.CandidatesFound,
		"proposals_created": summary.ProposalsCreated,
		"pairs_skipped":     summary.PairsSkipped,
	})

	return summary, nil
}

// propose turns one candidate into a proposal. Returns false without error
// when the pair already has an open proposal.
func (d *Detector) propose(ctx context.Context, tenantID string, candidate *models.DuplicateCandidate) (bool, error) {
	open, err := d.proposals.GetOpenByPair(ctx, tenantID, candidate.EntityAID, candidate.EntityBID)
	if err != nil {
		return false, err
	}
	if open != nil {
		return false, nil
	}

	// The lower-ID side of the pair is treated as the duplicate; reviewers
	// can still merge the other way by rejecting and proposing manually.
	req := &models.CreateMergeProposalRequest{
		EntityType:      candidate.EntityType,
		SourceID:        candidate.EntityAID,
		TargetID:        candidate.EntityBID,
		ConfidenceScore: candidate.RiskScore / 10,
		Reason:          detectionReason,
	}

	_, err = d.proposer.Propose(ctx, tenantID, req, ProposedByDetector)
	if err != nil {
		// Lost a race with another run or a manual proposal.
		if apperror.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
