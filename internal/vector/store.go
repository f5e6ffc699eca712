// Package vector stores and searches the three embedding spaces derived
// from graph nodes: text-dense, text-sparse, and the optional colbert
// late-interaction space.
package vector

import (
	"context"
	"time"
)

// Named vector spaces on the collection.
const (
	SpaceDense   = "text-dense"
	SpaceSparse  = "text-sparse"
	SpaceColbert = "colbert"
)

// Point is one document's vectors plus payload, keyed by node id.
type Point struct {
	ID            string
	Dense         []float32
	SparseIndices []uint32
	SparseValues  []float32
	Colbert       [][]float32
	Payload       map[string]any
}

// ScoredPoint is one search hit.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Filter narrows a search. Zero fields add no constraint.
type Filter struct {
	SessionID string
	Type      string
	VTAfter   *time.Time
	VTBefore  *time.Time
}

// Store is the vector backend interface.
type Store interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, points []Point) error
	SearchDense(ctx context.Context, vec []float32, k int, f *Filter) ([]ScoredPoint, error)
	SearchSparse(ctx context.Context, indices []uint32, values []float32, k int, f *Filter) ([]ScoredPoint, error)
	Close() error
}
