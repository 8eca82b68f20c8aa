// Package entity implements the entity store contract the merge executor
// depends on: lookups, field updates, reference reassignment with a
// row-level provenance log, and tombstoning.
package entity

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/database"
	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/tracing"
)

// relationRef describes how a dependent table references entities.
type relationRef struct {
	table   string
	columns []string
}

var relationRefs = map[models.RelationType]relationRef{
	models.RelationStories:           {table: "stories", columns: []string{"person_id"}},
	models.RelationMediaLinks:        {table: "media_links", columns: []string{"person_id"}},
	models.RelationRelationshipEdges: {table: "relationship_edges", columns: []string{"from_person_id", "to_person_id"}},
}

// Repository handles entity persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DB exposes the underlying database for transaction control.
func (r *Repository) DB() database.DB {
	return r.db
}

// Get retrieves an entity by ID
func (r *Repository) Get(ctx context.Context, tenantID string, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "tenant_id", "family_id", "entity_type", "fields", "status", "merged_into_id", "created_at", "updated_at")
	sb.From("entities")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	var entity models.Entity
	if err := r.db.GetContext(ctx, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("entity %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": id}).Error("Failed to get entity")
		return nil, apperror.Internal("failed to get entity")
	}

	return &entity, nil
}

// UpdateFields replaces the entity's mergeable field set.
func (r *Repository) UpdateFields(ctx context.Context, tenantID string, id string, fields models.FieldSet) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.UpdateFields")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("fields", fields),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": id}).Error("Failed to update entity fields")
		return apperror.Internal("failed to update entity fields")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperror.NotFound("entity %s not found", id)
	}

	return nil
}

// CountReferences counts dependent rows that reference the entity, grouped
// by relation type. Rows referencing the entity through multiple columns
// count once.
func (r *Repository) CountReferences(ctx context.Context, tenantID string, entityID string) (models.RelationCounts, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.CountReferences")
	defer span.End()

	counts := models.RelationCounts{}
	for _, rel := range models.RelationTypes() {
		ref := relationRefs[rel]

		where := "tenant_id = $1 AND ("
		args := []any{tenantID}
		for i, col := range ref.columns {
			if i > 0 {
				where += " OR "
			}
			where += col + " = $2"
		}
		where += ")"
		args = append(args, entityID)

		var count int
		query := "SELECT COUNT(*) FROM " + ref.table + " WHERE " + where
		if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"relation": rel}).Error("Failed to count references")
			return nil, apperror.Internal("failed to count references")
		}
		counts[rel] = count
	}

	return counts, nil
}

// ReassignReferences repoints every dependent row of one relation type from
// fromID to toID, writing one provenance row per moved reference so the
// move can be reversed exactly. Returns the number of distinct rows moved.
//
// Rows that reference toID through another column are left untouched:
// repointing an edge that already connects the pair would produce a
// self-edge, which the schema forbids. Such rows keep pointing at the
// tombstoned source and survive an undo unchanged.
func (r *Repository) ReassignReferences(ctx context.Context, tenantID string, fromID, toID string, relation models.RelationType, mergeRecordID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ReassignReferences")
	defer span.End()

	ref, ok := relationRefs[relation]
	if !ok {
		return 0, apperror.Internal("unknown relation type %s", relation)
	}

	movedRows := map[string]bool{}
	for _, col := range ref.columns {
		query := "UPDATE " + ref.table + " SET " + col + " = $1 WHERE tenant_id = $2 AND " + col + " = $3"
		for _, other := range ref.columns {
			if other != col {
				query += " AND " + other + " <> $1"
			}
		}
		query += " RETURNING id"
		rows, err := r.db.QueryxContext(ctx, query, toID, tenantID, fromID)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"relation": relation, "column": col}).Error("Failed to reassign references")
			return 0, apperror.Internal("failed to reassign %s references", relation)
		}

		var rowIDs []string
		for rows.Next() {
			var rowID string
			if err := rows.Scan(&rowID); err != nil {
				rows.Close()
				return 0, apperror.Internal("failed to scan reassigned row id")
			}
			rowIDs = append(rowIDs, rowID)
		}
		rows.Close()

		for _, rowID := range rowIDs {
			movedRows[rowID] = true
			if err := r.insertReassignedReference(ctx, mergeRecordID, relation, col, rowID); err != nil {
				return 0, err
			}
		}
	}

	return len(movedRows), nil
}

func (r *Repository) insertReassignedReference(ctx context.Context, mergeRecordID string, relation models.RelationType, column, rowID string) error {
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("reassigned_references")
	sb.Cols("id", "merge_record_id", "relation_type", "column_name", "row_id")
	sb.Values(uuid.New().String(), mergeRecordID, string(relation), column, rowID)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to record reassigned reference")
		return apperror.Internal("failed to record reassigned reference")
	}
	return nil
}

// ReassignLogged moves back exactly the rows a merge record logged,
// repointing each logged column from toID back to fromID. Returns the
// distinct rows moved per relation type.
func (r *Repository) ReassignLogged(ctx context.Context, tenantID string, refs []models.ReassignedReference, fromID, toID string) (models.RelationCounts, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ReassignLogged")
	defer span.End()

	moved := map[models.RelationType]map[string]bool{}
	for _, logged := range refs {
		ref, ok := relationRefs[logged.RelationType]
		if !ok {
			return nil, apperror.Internal("unknown relation type %s in reference log", logged.RelationType)
		}

		validColumn := false
		for _, col := range ref.columns {
			if col == logged.ColumnName {
				validColumn = true
			}
		}
		if !validColumn {
			return nil, apperror.Internal("column %s is not a reference column of %s", logged.ColumnName, logged.RelationType)
		}

		query := "UPDATE " + ref.table + " SET " + logged.ColumnName + " = $1 WHERE tenant_id = $2 AND id = $3 AND " + logged.ColumnName + " = $4"
		result, err := r.db.ExecContext(ctx, query, fromID, tenantID, logged.RowID, toID)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"row_id": logged.RowID}).Error("Failed to restore reassigned reference")
			return nil, apperror.Internal("failed to restore %s reference", logged.RelationType)
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			// The row was mutated since the merge; a partial undo would
			// leave the graph inconsistent.
			return nil, apperror.Conflict("reference row %s no longer points at the canonical entity", logged.RowID)
		}

		if moved[logged.RelationType] == nil {
			moved[logged.RelationType] = map[string]bool{}
		}
		moved[logged.RelationType][logged.RowID] = true
	}

	counts := models.RelationCounts{}
	for rel, rows := range moved {
		counts[rel] = len(rows)
	}
	return counts, nil
}

// Tombstone marks an entity as merged away without deleting it.
func (r *Repository) Tombstone(ctx context.Context, tenantID string, id string, mergedIntoID string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Tombstone")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("status", models.EntityStatusMerged),
		sb.Assign("merged_into_id", mergedIntoID),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.Equal("status", models.EntityStatusActive),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": id}).Error("Failed to tombstone entity")
		return apperror.Internal("failed to tombstone entity")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperror.InvalidState("entity %s is not active", id)
	}

	return nil
}

// Untombstone restores a merged-away entity to active.
func (r *Repository) Untombstone(ctx context.Context, tenantID string, id string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Untombstone")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("status", models.EntityStatusActive),
		"merged_into_id = NULL",
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.Equal("status", models.EntityStatusMerged),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": id}).Error("Failed to untombstone entity")
		return apperror.Internal("failed to untombstone entity")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperror.InvalidState("entity %s is not tombstoned", id)
	}

	return nil
}
