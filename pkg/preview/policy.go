package preview

import "github.com/kinstack/briar/pkg/models"

// Policy controls which fields are flagged for reviewer attention when the
// canonical and duplicate values disagree. Canonical-wins is not
// configurable; only the sensitive set is.
type Policy struct {
	sensitive map[models.FieldName]bool
}

var defaultSensitiveFields = []models.FieldName{
	models.FieldBirthDate,
	models.FieldDeathDate,
	models.FieldBirthPlace,
	models.FieldDeathPlace,
}

// DefaultPolicy flags the date and place fields most likely to distinguish
// two genuinely different people.
func DefaultPolicy() Policy {
	return NewPolicy(defaultSensitiveFields)
}

// NewPolicy builds a policy over the given sensitive fields.
func NewPolicy(fields []models.FieldName) Policy {
	sensitive := make(map[models.FieldName]bool, len(fields))
	for _, f := range fields {
		sensitive[f] = true
	}
	return Policy{sensitive: sensitive}
}

// PolicyFromConfig builds a policy from configured field names, falling back
// to the default set when none are configured.
func PolicyFromConfig(fields []string) Policy {
	if len(fields) == 0 {
		return DefaultPolicy()
	}
	named := make([]models.FieldName, 0, len(fields))
	for _, f := range fields {
		named = append(named, models.FieldName(f))
	}
	return NewPolicy(named)
}

// IsSensitive reports whether a disagreement on field should be surfaced as
// a conflict.
func (p Policy) IsSensitive(field models.FieldName) bool {
	return p.sensitive[field]
}
