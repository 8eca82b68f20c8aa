package graph

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/tracing"
)

var entityLabels = map[models.EntityType]string{
	models.EntityTypePerson: "Person",
	models.EntityTypeFamily: "Family",
}

// Projector mirrors merge outcomes into the graph so relationship traversal
// sees a single node per person. Projection runs after the relational
// commit and is best-effort; the relational store stays authoritative and a
// failed projection is repaired by the next full sync.
type Projector struct {
	client *Client
	logger ectologger.Logger
}

// NewProjector creates a new graph projector
func NewProjector(client *Client, logger ectologger.Logger) *Projector {
	return &Projector{
		client: client,
		logger: logger,
	}
}

// ProjectMerge repoints the duplicate node's relationships at the canonical
// node and marks the duplicate merged.
func (p *Projector) ProjectMerge(ctx context.Context, tenantID string, entityType models.EntityType, sourceID, targetID string) {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectMerge")
	defer span.End()

	label, ok := entityLabels[entityType]
	if !ok {
		return
	}

	params := map[string]any{
		"tenant_id": tenantID,
		"source_id": sourceID,
		"target_id": targetID,
	}

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Repoint outgoing edges.
		if _, err := tx.Run(ctx, `
			MATCH (src:`+label+` {id: $source_id, tenant_id: $tenant_id})-[r:RELATES_TO]->(other)
			MATCH (dst:`+label+` {id: $target_id, tenant_id: $tenant_id})
			WHERE other.id <> $target_id
			MERGE (dst)-[nr:RELATES_TO {kind: r.kind}]->(other)
			DELETE r`, params); err != nil {
			return nil, err
		}
		// Repoint incoming edges.
		if _, err := tx.Run(ctx, `
			MATCH (other)-[r:RELATES_TO]->(src:`+label+` {id: $source_id, tenant_id: $tenant_id})
			MATCH (dst:`+label+` {id: $target_id, tenant_id: $tenant_id})
			WHERE other.id <> $target_id
			MERGE (other)-[nr:RELATES_TO {kind: r.kind}]->(dst)
			DELETE r`, params); err != nil {
			return nil, err
		}
		_, err := tx.Run(ctx, `
			MATCH (src:`+label+` {id: $source_id, tenant_id: $tenant_id})
			SET src.merged_into = $target_id, src.status = 'merged'`, params)
		return nil, err
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"source_id": sourceID,
			"target_id": targetID,
		}).Warn("Graph merge projection failed")
	}
}

// ProjectUndo clears the merged marker on the duplicate node. Repointed
// relationships are restored by the next full sync; the graph only needs
// the node visible again immediately.
func (p *Projector) ProjectUndo(ctx context.Context, tenantID string, entityType models.EntityType, sourceID string) {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectUndo")
	defer span.End()

	label, ok := entityLabels[entityType]
	if !ok {
		return
	}

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MATCH (src:`+label+` {id: $source_id, tenant_id: $tenant_id})
			SET src.status = 'active'
			REMOVE src.merged_into`, map[string]any{
			"tenant_id": tenantID,
			"source_id": sourceID,
		})
		return nil, err
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"source_id": sourceID,
		}).Warn("Graph undo projection failed")
	}
}
