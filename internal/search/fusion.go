package search

import (
	"sort"
	"strings"
	"unicode"

	"github.com/engramdev/engram/internal/vector"
)

// Reciprocal rank fusion constants. Short entity-like queries get a lower k
// for the sparse leg so exact term matches keep their rank advantage.
const (
	rrfKDefault      = 60
	rrfKSparseEntity = 30
	entityTokenLimit = 4
)

// Learned fusion fallback weights, used when no predictor is installed or it
// declines the query: dense, sparse, rrf.
var fallbackWeights = [3]float64{0.4, 0.3, 0.3}

// WeightPredictor maps query features to fusion weights. ok=false falls back
// to the fixed weights.
type WeightPredictor interface {
	Predict(query string) (dense, sparse, rrf float64, ok bool)
}

// fusedHit carries a candidate through fusion and reranking.
type fusedHit struct {
	ID      string
	Payload map[string]any
	Dense   float64
	Sparse  float64
	RRF     float64
	Score   float64

	RerankScore float64
	Reranked    bool
}

// isEntityQuery reports whether a query looks like an identifier lookup:
// four tokens or fewer, or containing code-ish characters.
func isEntityQuery(query string) bool {
	tokens := strings.Fields(query)
	if len(tokens) <= entityTokenLimit {
		return true
	}
	for _, r := range query {
		if r == '_' || r == '.' || r == '/' || r == ':' {
			return true
		}
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// fuse combines dense and sparse result lists with reciprocal rank fusion,
// then layers a weighted combination of the normalized stage scores on top.
// predictor may be nil. Result order is deterministic: score descending, ID
// ascending on ties.
func fuse(query string, dense, sparse []vector.ScoredPoint, predictor WeightPredictor) []*fusedHit {
	kDense := rrfKDefault
	kSparse := rrfKDefault
	if isEntityQuery(query) {
		kSparse = rrfKSparseEntity
	}

	byID := make(map[string]*fusedHit)
	hit := func(p vector.ScoredPoint) *fusedHit {
		h, ok := byID[p.ID]
		if !ok {
			h = &fusedHit{ID: p.ID, Payload: p.Payload}
			byID[p.ID] = h
		}
		return h
	}

	for rank, p := range dense {
		h := hit(p)
		h.Dense = p.Score
		h.RRF += 1.0 / float64(kDense+rank+1)
	}
	for rank, p := range sparse {
		h := hit(p)
		h.Sparse = p.Score
		h.RRF += 1.0 / float64(kSparse+rank+1)
	}

	hits := make([]*fusedHit, 0, len(byID))
	for _, h := range byID {
		hits = append(hits, h)
	}

	normalize(hits, func(h *fusedHit) float64 { return h.Dense }, func(h *fusedHit, v float64) { h.Dense = v })
	normalize(hits, func(h *fusedHit) float64 { return h.Sparse }, func(h *fusedHit, v float64) { h.Sparse = v })
	normalize(hits, func(h *fusedHit) float64 { return h.RRF }, func(h *fusedHit, v float64) { h.RRF = v })

	wd, ws, wr := fallbackWeights[0], fallbackWeights[1], fallbackWeights[2]
	if predictor != nil {
		if pd, ps, pr, ok := predictor.Predict(query); ok {
			wd, ws, wr = pd, ps, pr
		}
	}
	for _, h := range hits {
		h.Score = wd*h.Dense + ws*h.Sparse + wr*h.RRF
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
	return hits
}

// normalize min-max scales a score field in place. A zero range maps every
// value to 0.5 so a degenerate leg neither dominates nor vanishes.
func normalize(hits []*fusedHit, get func(*fusedHit) float64, set func(*fusedHit, float64)) {
	if len(hits) == 0 {
		return
	}
	lo, hi := get(hits[0]), get(hits[0])
	for _, h := range hits[1:] {
		v := get(h)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		for _, h := range hits {
			set(h, 0.5)
		}
		return
	}
	for _, h := range hits {
		set(h, (get(h)-lo)/(hi-lo))
	}
}
