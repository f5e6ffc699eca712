package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store used by tests and `engram watch`.
// Dense search is exact cosine; sparse search is inner product. FailWith
// injects an error on every call, for exercising degraded paths.
type MemoryStore struct {
	mu      sync.RWMutex
	points  map[string]Point
	upserts int
	err     error
}

// NewMemoryStore creates an empty in-process vector store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[string]Point)}
}

// FailWith makes every subsequent call return err. Pass nil to heal.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemoryStore) EnsureCollection(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *MemoryStore) Upsert(_ context.Context, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.upserts++
	for _, p := range points {
		s.points[p.ID] = p
	}
	return nil
}

// Len returns the number of stored points.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Point returns a stored point by ID.
func (s *MemoryStore) Point(id string) (Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.points[id]
	return p, ok
}

// UpsertCalls returns the number of successful Upsert invocations.
func (s *MemoryStore) UpsertCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}

func (s *MemoryStore) SearchDense(_ context.Context, vec []float32, k int, f *Filter) ([]ScoredPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}

	var hits []ScoredPoint
	for _, p := range s.points {
		if !matches(p, f) || len(p.Dense) == 0 {
			continue
		}
		hits = append(hits, ScoredPoint{ID: p.ID, Score: cosine(vec, p.Dense), Payload: p.Payload})
	}
	return top(hits, k), nil
}

func (s *MemoryStore) SearchSparse(_ context.Context, indices []uint32, values []float32, k int, f *Filter) ([]ScoredPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}

	query := make(map[uint32]float32, len(indices))
	for i, idx := range indices {
		query[idx] = values[i]
	}

	var hits []ScoredPoint
	for _, p := range s.points {
		if !matches(p, f) || len(p.SparseIndices) == 0 {
			continue
		}
		score := 0.0
		for i, idx := range p.SparseIndices {
			if qv, ok := query[idx]; ok {
				score += float64(qv) * float64(p.SparseValues[i])
			}
		}
		if score > 0 {
			hits = append(hits, ScoredPoint{ID: p.ID, Score: score, Payload: p.Payload})
		}
	}
	return top(hits, k), nil
}

func matches(p Point, f *Filter) bool {
	if f == nil {
		return true
	}
	if f.SessionID != "" {
		if sid, _ := p.Payload["session_id"].(string); sid != f.SessionID {
			return false
		}
	}
	if f.Type != "" {
		if typ, _ := p.Payload["type"].(string); typ != f.Type {
			return false
		}
	}
	if f.VTAfter != nil || f.VTBefore != nil {
		vt, ok := p.Payload["vt_start"].(int64)
		if !ok {
			if vf, okf := p.Payload["vt_start"].(float64); okf {
				vt, ok = int64(vf), true
			}
		}
		if !ok {
			return false
		}
		if f.VTAfter != nil && vt < f.VTAfter.Unix() {
			return false
		}
		if f.VTBefore != nil && vt > f.VTBefore.Unix() {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func top(hits []ScoredPoint, k int) []ScoredPoint {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func (s *MemoryStore) Close() error { return nil }
