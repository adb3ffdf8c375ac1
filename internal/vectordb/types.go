package vectordb

import (
	"context"

	"github.com/tessellate-ai/ragcore/internal/models"
)

// Point pairs a chunk with its embedding for upsert.
type Point struct {
	Chunk  models.Chunk
	Vector []float32
}

// SearchResult is one ANN hit with the chunk rebuilt from its payload.
type SearchResult struct {
	Chunk models.Chunk
	Score float64
}

// Index is the tenant-partitioned ANN surface. Every operation requires
// a tenant id and fails closed without one.
type Index interface {
	// EnsureCollection creates the backing collection when missing.
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert writes points, idempotent on chunk id. Writes are visible
	// to subsequent searches once Upsert returns.
	Upsert(ctx context.Context, tenantID string, points []Point) error

	// Search returns the k nearest chunks by cosine similarity,
	// descending, scoped to the tenant server-side.
	Search(ctx context.Context, tenantID string, vector []float32, k int) ([]SearchResult, error)

	// DeleteByDocument removes every chunk of one document.
	DeleteByDocument(ctx context.Context, tenantID, documentID string) error

	// Count reports how many chunks the tenant has indexed.
	Count(ctx context.Context, tenantID string) (int, error)
}
