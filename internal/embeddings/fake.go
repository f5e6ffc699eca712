package embeddings

import (
	"context"
	"hash/fnv"
	"strings"
)

// HashingDense is a deterministic embedder used by tests and by `engram
// watch` sessions without an inference endpoint. Token hashes are folded
// into a fixed-size vector; equal texts embed equally, related texts share
// dimensions.
type HashingDense struct {
	dim int
}

// NewHashingDense creates a hashing embedder with the given dimension.
func NewHashingDense(dim int) *HashingDense {
	if dim <= 0 {
		dim = 64
	}
	return &HashingDense{dim: dim}
}

func (e *HashingDense) Dim() int { return e.dim }

func (e *HashingDense) EmbedDense(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, e.dim)
		for _, token := range tokenize(text) {
			h := fnv.New32a()
			h.Write([]byte(token))
			vec[h.Sum32()%uint32(e.dim)] += 1
		}
		out[i] = vec
	}
	return out, nil
}

// HashingSparse maps each token to a hashed index with count weights.
type HashingSparse struct{}

func (HashingSparse) EmbedSparse(_ context.Context, texts []string) ([]SparseVector, error) {
	out := make([]SparseVector, len(texts))
	for i, text := range texts {
		weights := map[uint32]float32{}
		for _, token := range tokenize(text) {
			h := fnv.New32a()
			h.Write([]byte(token))
			weights[h.Sum32()]++
		}
		sv := SparseVector{}
		for idx, w := range weights {
			sv.Indices = append(sv.Indices, idx)
			sv.Values = append(sv.Values, w)
		}
		out[i] = sv
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}
