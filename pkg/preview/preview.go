package preview

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/tracing"
)

// EntityStore is the slice of the entity repository the engine needs.
type EntityStore interface {
	Get(ctx context.Context, tenantID string, id string) (*models.Entity, error)
	CountReferences(ctx context.Context, tenantID string, entityID string) (models.RelationCounts, error)
}

// Engine computes merge previews. A preview is a pure read; it never
// mutates either entity and can be recomputed any number of times.
type Engine struct {
	entities EntityStore
	policy   Policy
	logger   ectologger.Logger
}

// NewEngine creates a new preview engine
func NewEngine(entities EntityStore, policy Policy, logger ectologger.Logger) *Engine {
	return &Engine{
		entities: entities,
		policy:   policy,
		logger:   logger,
	}
}

// Preview computes the prospective outcome of merging duplicate sourceID
// into canonical targetID.
func (e *Engine) Preview(ctx context.Context, tenantID string, sourceID, targetID string) (*models.MergePreview, error) {
	ctx, span := tracing.StartSpan(ctx, "preview.Engine.Preview")
	defer span.End()

	source, target, err := e.loadPair(ctx, tenantID, sourceID, targetID)
	if err != nil {
		return nil, err
	}

	merged, conflicts := BuildMergedFields(target.EntityType, target.Fields, source.Fields, e.policy)

	counts, err := e.entities.CountReferences(ctx, tenantID, sourceID)
	if err != nil {
		return nil, err
	}

	return &models.MergePreview{
		Canonical:      target,
		Duplicate:      source,
		MergedFields:   merged,
		Conflicts:      conflicts,
		AffectedCounts: counts,
	}, nil
}

// Snapshot captures a preview as a frozen analysis snapshot.
func (e *Engine) Snapshot(ctx context.Context, tenantID string, sourceID, targetID string) (*models.AnalysisSnapshot, error) {
	p, err := e.Preview(ctx, tenantID, sourceID, targetID)
	if err != nil {
		return nil, err
	}
	return &models.AnalysisSnapshot{
		MergedFields:   p.MergedFields,
		Conflicts:      p.Conflicts,
		AffectedCounts: p.AffectedCounts,
		CapturedAt:     time.Now().UTC(),
	}, nil
}

func (e *Engine) loadPair(ctx context.Context, tenantID string, sourceID, targetID string) (*models.Entity, *models.Entity, error) {
	if sourceID == targetID {
		return nil, nil, apperror.InvalidState("an entity cannot be merged into itself")
	}

	source, err := e.entities.Get(ctx, tenantID, sourceID)
	if err != nil {
		return nil, nil, err
	}
	target, err := e.entities.Get(ctx, tenantID, targetID)
	if err != nil {
		return nil, nil, err
	}

	if source.EntityType != target.EntityType {
		return nil, nil, apperror.InvalidState("entities %s and %s are different types", sourceID, targetID)
	}
	if source.IsTombstoned() {
		return nil, nil, apperror.InvalidState("entity %s has already been merged", sourceID)
	}
	if target.IsTombstoned() {
		return nil, nil, apperror.InvalidState("entity %s has already been merged", targetID)
	}

	return source, target, nil
}

// BuildMergedFields applies canonical-wins resolution over the closed field
// set for entityType. The canonical keeps every non-empty value it has; an
// empty canonical field adopts the duplicate's value. A conflict is recorded
// only when both sides hold different non-empty values on a policy-sensitive
// field.
func BuildMergedFields(entityType models.EntityType, canonical, duplicate models.FieldSet, policy Policy) (models.FieldSet, []models.FieldConflict) {
	merged := models.FieldSet{}
	var conflicts []models.FieldConflict

	for _, field := range models.MergeableFields(entityType) {
		canonicalValue := canonical.Get(field)
		duplicateValue := duplicate.Get(field)

		switch {
		case canonicalValue == "" && duplicateValue == "":
			continue
		case canonicalValue == "":
			merged[field] = duplicateValue
		default:
			merged[field] = canonicalValue
			if duplicateValue != "" && duplicateValue != canonicalValue && policy.IsSensitive(field) {
				conflicts = append(conflicts, models.FieldConflict{
					Field:          field,
					CanonicalValue: canonicalValue,
					DuplicateValue: duplicateValue,
					Resolution:     "canonical",
				})
			}
		}
	}

	return merged, conflicts
}
