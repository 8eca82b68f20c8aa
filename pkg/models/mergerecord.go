package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// FieldDiff stores, per field actually changed on the canonical, the
// canonical's pre-merge value. This is the minimal payload Undo needs to
// restore the canonical byte-for-byte.
type FieldDiff map[FieldName]string

func (fd FieldDiff) Value() (driver.Value, error) {
	if fd == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(fd)
}

func (fd *FieldDiff) Scan(src any) error {
	if src == nil {
		*fd = FieldDiff{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("FieldDiff.Scan: expected []byte, got %T", src)
	}
	return json.Unmarshal(b, fd)
}

// MergeRecord is produced exactly once per successful execution and is the
// sole object Undo operates on.
type MergeRecord struct {
	ID          string     `json:"id" db:"id"`
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	ProposalID  string     `json:"proposal_id" db:"proposal_id"`
	SourceID    string     `json:"source_id" db:"source_id"`
	TargetID    string     `json:"target_id" db:"target_id"`
	PerformedBy string     `json:"performed_by" db:"performed_by"`
	PerformedAt time.Time  `json:"performed_at" db:"performed_at"`
	FieldDiff   FieldDiff  `json:"field_diff" db:"field_diff"`
	// ReassignedReferenceCounts is an aggregate used for verification; the
	// row-level log in reassigned_references drives the actual reversal.
	ReassignedReferenceCounts RelationCounts `json:"reassigned_reference_counts" db:"reassigned_counts"`
	Undone                    bool           `json:"undone" db:"undone"`
	UndoneBy                  *string        `json:"undone_by,omitempty" db:"undone_by"`
	UndoneAt                  *time.Time     `json:"undone_at,omitempty" db:"undone_at"`
}

// ReassignedReference is one provenance row written during execution for
// each dependent row repointed from source to target. Undo moves back
// exactly these rows, never "any N rows of this relation". ColumnName
// matters for relations that reference entities through more than one
// column (relationship edges have both endpoints).
type ReassignedReference struct {
	ID            string       `json:"id" db:"id"`
	MergeRecordID string       `json:"merge_record_id" db:"merge_record_id"`
	RelationType  RelationType `json:"relation_type" db:"relation_type"`
	ColumnName    string       `json:"column_name" db:"column_name"`
	RowID         string       `json:"row_id" db:"row_id"`
}

// MergePreview is the reviewer-facing dry run of a merge for a candidate
// pair. Nothing is persisted when one is computed.
type MergePreview struct {
	Canonical      *Entity         `json:"canonical"`
	Duplicate      *Entity         `json:"duplicate"`
	MergedFields   FieldSet        `json:"merged_fields"`
	Conflicts      []FieldConflict `json:"conflicts,omitempty"`
	AffectedCounts RelationCounts  `json:"affected_counts"`
}
