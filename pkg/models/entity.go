package models

import "time"

// EntityStatus tracks whether an entity is live or merged away.
type EntityStatus string

const (
	EntityStatusActive EntityStatus = "active"
	// EntityStatusMerged marks a tombstoned entity. The row is retained for
	// referential and audit history, never physically deleted.
	EntityStatusMerged EntityStatus = "merged"
)

// Entity is a person or family record owned by one parent family aggregate.
type Entity struct {
	ID           string       `json:"id" db:"id"`
	TenantID     string       `json:"tenant_id" db:"tenant_id"`
	FamilyID     string       `json:"family_id" db:"family_id"`
	EntityType   EntityType   `json:"entity_type" db:"entity_type"`
	Fields       FieldSet     `json:"fields" db:"fields"`
	Status       EntityStatus `json:"status" db:"status"`
	MergedIntoID *string      `json:"merged_into_id,omitempty" db:"merged_into_id"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// IsTombstoned reports whether the entity was merged away.
func (e *Entity) IsTombstoned() bool {
	return e.Status == EntityStatusMerged
}

// FamilyStatus is the lifecycle status of the parent family aggregate.
type FamilyStatus string

const (
	FamilyStatusActive      FamilyStatus = "active"
	FamilyStatusProvisional FamilyStatus = "provisional"
	FamilyStatusSuspended   FamilyStatus = "suspended"
	FamilyStatusClosed      FamilyStatus = "closed"
)

// AllowsMerging reports whether merge proposals may be filed for members of
// a family in this status.
func (s FamilyStatus) AllowsMerging() bool {
	return s == FamilyStatusActive || s == FamilyStatusProvisional
}

// Family is the parent aggregate that owns entities.
type Family struct {
	ID        string       `json:"id" db:"id"`
	TenantID  string       `json:"tenant_id" db:"tenant_id"`
	Name      string       `json:"name" db:"name"`
	Status    FamilyStatus `json:"status" db:"status"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
}
