package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// EntityType identifies which kind of record a merge operates on. Merges
// never cross entity types.
type EntityType string

const (
	EntityTypePerson EntityType = "person"
	EntityTypeFamily EntityType = "family"
)

// FieldName is a mergeable field. The set is closed per entity type so
// conflict detection is exhaustive and the field diff is statically
// checkable instead of a loose JSON bag.
type FieldName string

const (
	FieldFirstName  FieldName = "first_name"
	FieldLastName   FieldName = "last_name"
	FieldBirthDate  FieldName = "birth_date"
	FieldDeathDate  FieldName = "death_date"
	FieldBirthPlace FieldName = "birth_place"
	FieldDeathPlace FieldName = "death_place"
	FieldGender     FieldName = "gender"
	FieldBio        FieldName = "bio"
	FieldPhotoURL   FieldName = "photo_url"

	FieldFamilyName  FieldName = "name"
	FieldDescription FieldName = "description"
	FieldCoverURL    FieldName = "cover_url"
)

var personFields = []FieldName{
	FieldFirstName, FieldLastName, FieldBirthDate, FieldDeathDate,
	FieldBirthPlace, FieldDeathPlace, FieldGender, FieldBio, FieldPhotoURL,
}

var familyFields = []FieldName{
	FieldFamilyName, FieldDescription, FieldCoverURL,
}

// MergeableFields returns the closed field set for an entity type.
func MergeableFields(entityType EntityType) []FieldName {
	switch entityType {
	case EntityTypePerson:
		return personFields
	case EntityTypeFamily:
		return familyFields
	default:
		return nil
	}
}

// IsMergeableField reports whether field belongs to the entity type's set.
func IsMergeableField(entityType EntityType, field FieldName) bool {
	for _, f := range MergeableFields(entityType) {
		if f == field {
			return true
		}
	}
	return false
}

// FieldSet is an entity's mergeable field values. A missing key and an
// empty string are both treated as "no value".
type FieldSet map[FieldName]string

// Get returns the value for a field, empty when absent.
func (fs FieldSet) Get(field FieldName) string {
	if fs == nil {
		return ""
	}
	return fs[field]
}

// Clone returns a copy safe to mutate.
func (fs FieldSet) Clone() FieldSet {
	out := make(FieldSet, len(fs))
	for k, v := range fs {
		out[k] = v
	}
	return out
}

func (fs FieldSet) Value() (driver.Value, error) {
	if fs == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(fs)
}

func (fs *FieldSet) Scan(src any) error {
	if src == nil {
		*fs = FieldSet{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("FieldSet.Scan: expected []byte, got %T", src)
	}
	return json.Unmarshal(b, fs)
}

// RelationType is a dependent-record relation that references an entity.
type RelationType string

const (
	RelationStories           RelationType = "stories"
	RelationMediaLinks        RelationType = "media_links"
	RelationRelationshipEdges RelationType = "relationship_edges"
)

// RelationTypes lists every relation the executor reassigns.
func RelationTypes() []RelationType {
	return []RelationType{RelationStories, RelationMediaLinks, RelationRelationshipEdges}
}

// RelationCounts maps relation type to a dependent-row count.
type RelationCounts map[RelationType]int

// Equal reports whether both count sets match exactly, treating missing
// keys as zero.
func (rc RelationCounts) Equal(other RelationCounts) bool {
	for _, rel := range RelationTypes() {
		if rc[rel] != other[rel] {
			return false
		}
	}
	return true
}

// Total sums counts across relation types.
func (rc RelationCounts) Total() int {
	total := 0
	for _, n := range rc {
		total += n
	}
	return total
}

func (rc RelationCounts) Value() (driver.Value, error) {
	if rc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(rc)
}

func (rc *RelationCounts) Scan(src any) error {
	if src == nil {
		*rc = RelationCounts{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("RelationCounts.Scan: expected []byte, got %T", src)
	}
	return json.Unmarshal(b, rc)
}
