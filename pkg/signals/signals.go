package signals

import (
	"context"

	"github.com/kinstack/briar/pkg/models"
)

// Store provides similarity signals for collision detection. The heavy
// lifting (normalization, pairwise scoring, candidate upserts) lives in the
// database so a recompute pass never pages entity rows through the service.
type Store interface {
	// RecomputeSignals refreshes match signals and duplicate candidates for
	// a tenant. Returns the number of entities scanned.
	RecomputeSignals(ctx context.Context, tenantID string) (int, error)
	// ListCandidates returns pending duplicate candidates at or above
	// minScore, highest risk first.
	ListCandidates(ctx context.Context, tenantID string, minScore float64, limit int) ([]models.DuplicateCandidate, error)
}
