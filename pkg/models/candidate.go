package models

import "time"

// DuplicateCandidateStatus is the lifecycle of a detected candidate pair.
type DuplicateCandidateStatus string

const (
	DuplicateCandidateStatusPending   DuplicateCandidateStatus = "pending"
	DuplicateCandidateStatusMerged    DuplicateCandidateStatus = "merged"
	DuplicateCandidateStatusDismissed DuplicateCandidateStatus = "dismissed"
)

// DuplicateCandidate is a scored pair produced by signal recomputation.
// At most one non-dismissed candidate exists per unordered pair.
type DuplicateCandidate struct {
	ID         string                   `json:"id" db:"id"`
	TenantID   string                   `json:"tenant_id" db:"tenant_id"`
	EntityType EntityType               `json:"entity_type" db:"entity_type"`
	EntityAID  string                   `json:"entity_a_id" db:"entity_a_id"`
	EntityBID  string                   `json:"entity_b_id" db:"entity_b_id"`
	RiskScore  float64                  `json:"risk_score" db:"risk_score"`
	Status     DuplicateCandidateStatus `json:"status" db:"status"`
	CreatedAt  time.Time                `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at" db:"updated_at"`
	ResolvedAt *time.Time               `json:"resolved_at,omitempty" db:"resolved_at"`
}

// FlagDuplicateCandidateRequest is the request body for manually flagging
// a pair of entities as suspected duplicates.
type FlagDuplicateCandidateRequest struct {
	EntityType EntityType `json:"entity_type" validate:"required,oneof=person family"`
	EntityAID  string     `json:"entity_a_id" validate:"required,uuid4"`
	EntityBID  string     `json:"entity_b_id" validate:"required,uuid4"`
	RiskScore  float64    `json:"risk_score" validate:"omitempty,gte=0,lte=100"`
}
