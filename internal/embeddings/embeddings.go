// Package embeddings provides the three inference clients behind the
// indexer and the retrieval engine: dense sentence embeddings, SPLADE-style
// sparse embeddings, and ColBERT multi-vector embeddings.
package embeddings

import "context"

// SparseVector is a SPLADE-style term-weight vector.
type SparseVector struct {
	Indices []uint32 `json:"indices"`
	Values  []float32 `json:"values"`
}

// DenseEmbedder produces one dense vector per input text.
type DenseEmbedder interface {
	EmbedDense(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// SparseEmbedder produces one sparse vector per input text.
type SparseEmbedder interface {
	EmbedSparse(ctx context.Context, texts []string) ([]SparseVector, error)
}

// ColbertEmbedder produces one multi-vector (token matrix) per input text.
type ColbertEmbedder interface {
	EmbedColbert(ctx context.Context, texts []string) ([][][]float32, error)
}
