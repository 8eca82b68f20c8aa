package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MergeProposalStatus is the proposal state machine state.
//
// pending → accepted → executed (terminal)
// pending → rejected            (terminal)
// accepted → failed             (terminal, recoverable only by a fresh proposal)
type MergeProposalStatus string

const (
	MergeProposalStatusPending  MergeProposalStatus = "pending"
	MergeProposalStatusAccepted MergeProposalStatus = "accepted"
	MergeProposalStatusRejected MergeProposalStatus = "rejected"
	MergeProposalStatusExecuted MergeProposalStatus = "executed"
	MergeProposalStatusFailed   MergeProposalStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s MergeProposalStatus) IsTerminal() bool {
	switch s {
	case MergeProposalStatusRejected, MergeProposalStatusExecuted, MergeProposalStatusFailed:
		return true
	}
	return false
}

var proposalTransitions = map[MergeProposalStatus][]MergeProposalStatus{
	MergeProposalStatusPending:  {MergeProposalStatusAccepted, MergeProposalStatusRejected},
	MergeProposalStatusAccepted: {MergeProposalStatusExecuted, MergeProposalStatusFailed},
}

// CanTransition reports whether from → to is a legal transition. No
// transition skips a state.
func CanTransition(from, to MergeProposalStatus) bool {
	for _, next := range proposalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ConfidenceBand buckets a 1-10 confidence score for reviewers.
type ConfidenceBand string

const (
	ConfidenceBandHigh   ConfidenceBand = "high"
	ConfidenceBandMedium ConfidenceBand = "medium"
	ConfidenceBandLow    ConfidenceBand = "low"
)

// BandForConfidence maps a 1-10 confidence score to its band.
func BandForConfidence(score float64) ConfidenceBand {
	switch {
	case score >= 8:
		return ConfidenceBandHigh
	case score >= 5:
		return ConfidenceBandMedium
	default:
		return ConfidenceBandLow
	}
}

// FieldConflict records a field where both sides hold different, non-empty
// values on a conflict-sensitive field. Surfaced to the reviewer; the merge
// still proceeds with the canonical's value unless an override is supplied.
type FieldConflict struct {
	Field          FieldName `json:"field"`
	CanonicalValue string    `json:"canonical_value"`
	DuplicateValue string    `json:"duplicate_value"`
	Resolution     string    `json:"resolution"` // canonical, override
}

// AnalysisSnapshot is an immutable copy of the merge analysis taken at
// proposal-creation time. It is never recomputed in place; the executor
// re-verifies reality against it instead.
type AnalysisSnapshot struct {
	MergedFields   FieldSet        `json:"merged_fields"`
	Conflicts      []FieldConflict `json:"conflicts,omitempty"`
	AffectedCounts RelationCounts  `json:"affected_counts"`
	CapturedAt     time.Time       `json:"captured_at"`
}

func (s AnalysisSnapshot) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *AnalysisSnapshot) Scan(src any) error {
	if src == nil {
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("AnalysisSnapshot.Scan: expected []byte, got %T", src)
	}
	return json.Unmarshal(b, s)
}

// MergeProposal proposes merging the source entity (disappears) into the
// target entity (survives). At most one proposal in a non-terminal status
// exists per unordered pair.
type MergeProposal struct {
	ID               string              `json:"id" db:"id"`
	TenantID         string              `json:"tenant_id" db:"tenant_id"`
	EntityType       EntityType          `json:"entity_type" db:"entity_type"`
	SourceID         string              `json:"source_id" db:"source_id"`
	TargetID         string              `json:"target_id" db:"target_id"`
	ConfidenceScore  float64             `json:"confidence_score" db:"confidence_score"`
	Reason           string              `json:"reason" db:"reason"`
	AnalysisSnapshot *AnalysisSnapshot   `json:"analysis_snapshot,omitempty" db:"analysis_snapshot"`
	Status           MergeProposalStatus `json:"status" db:"status"`
	ProposedBy       string              `json:"proposed_by" db:"proposed_by"`
	ReviewedBy       *string             `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt       *time.Time          `json:"reviewed_at,omitempty" db:"reviewed_at"`
	ErrorDetails     *string             `json:"error_details,omitempty" db:"error_details"`
	CreatedAt        time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at" db:"updated_at"`
}

// ConfidenceBand returns the reviewer-facing band for the proposal score.
func (p *MergeProposal) ConfidenceBand() ConfidenceBand {
	return BandForConfidence(p.ConfidenceScore)
}

// CreateMergeProposalRequest is the manual suggest-merge API body.
type CreateMergeProposalRequest struct {
	EntityType      EntityType `json:"entity_type" validate:"required,oneof=person family"`
	SourceID        string     `json:"source_id" validate:"required,uuid4"`
	TargetID        string     `json:"target_id" validate:"required,uuid4"`
	ConfidenceScore float64    `json:"confidence_score" validate:"omitempty,gte=1,lte=10"`
	Reason          string     `json:"reason" validate:"required,max=500"`
}

// RejectMergeProposalRequest carries the reviewer's rejection reason.
type RejectMergeProposalRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// ExecuteMergeProposalRequest carries optional reviewer conflict overrides,
// applied on top of the frozen snapshot's merged fields.
type ExecuteMergeProposalRequest struct {
	Overrides FieldSet `json:"overrides,omitempty"`
}
