package search

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/engramdev/engram/internal/vector"
)

func TestFuseAllEqualScoresNormalizeToMidpoint(t *testing.T) {
	dense := []vector.ScoredPoint{
		{ID: "a", Score: 0.7},
		{ID: "b", Score: 0.7},
	}
	hits := fuse("some longer natural language query here", dense, nil, nil)
	for _, h := range hits {
		if h.Dense != 0.5 {
			t.Fatalf("equal dense scores must normalize to 0.5, got %f", h.Dense)
		}
	}
}

func TestFuseEmptyDenseLeg(t *testing.T) {
	sparse := []vector.ScoredPoint{
		{ID: "a", Score: 3.0},
		{ID: "b", Score: 1.0},
	}
	hits := fuse("query", nil, sparse, nil)
	if len(hits) != 2 {
		t.Fatalf("got %d hits", len(hits))
	}
	if hits[0].ID != "a" {
		t.Fatalf("sparse-only fusion must preserve sparse order, got %s first", hits[0].ID)
	}
}

func TestFuseBothLegsEmpty(t *testing.T) {
	if hits := fuse("query", nil, nil, nil); len(hits) != 0 {
		t.Fatalf("got %d hits from empty legs", len(hits))
	}
}

func TestEntityQueryDetection(t *testing.T) {
	cases := []struct {
		query  string
		entity bool
	}{
		{"UserRepository", true},
		{"fix auth bug", true},
		{"internal/graph/store.go", true},
		{"how does the aggregator decide when to close an open turn exactly", false},
	}
	for _, tc := range cases {
		if got := isEntityQuery(tc.query); got != tc.entity {
			t.Errorf("isEntityQuery(%q) = %v, want %v", tc.query, got, tc.entity)
		}
	}
}

func TestFuseDocInBothLegsOutranksSingleLeg(t *testing.T) {
	dense := []vector.ScoredPoint{
		{ID: "both", Score: 0.9},
		{ID: "dense-only", Score: 0.9},
	}
	sparse := []vector.ScoredPoint{
		{ID: "both", Score: 5.0},
	}
	hits := fuse("a much longer query with plenty of words to avoid entity mode", dense, sparse, nil)
	if hits[0].ID != "both" {
		t.Fatalf("doc present in both legs must rank first, got %s", hits[0].ID)
	}
}

// Fusion must not depend on which leg is enumerated first: swapping the
// contents of equal-score tails or permuting map iteration cannot change the
// final ordering.
func TestFusionOrderIndependenceProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	properties := gopter.NewProperties(params)

	properties.Property("deterministic output for identical inputs", prop.ForAll(
		func(n int) bool {
			var dense, sparse []vector.ScoredPoint
			for i := 0; i < n; i++ {
				dense = append(dense, vector.ScoredPoint{
					ID:    fmt.Sprintf("d%02d", i),
					Score: float64((i*7)%10) / 10,
				})
				sparse = append(sparse, vector.ScoredPoint{
					ID:    fmt.Sprintf("d%02d", (i*3)%n),
					Score: float64((i*13)%10) / 10,
				})
			}
			first := fuse("query terms", dense, sparse, nil)
			second := fuse("query terms", dense, sparse, nil)
			if len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i].ID != second[i].ID || first[i].Score != second[i].Score {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 30),
	))

	properties.Property("every input document appears exactly once", prop.ForAll(
		func(nDense, nSparse int) bool {
			var dense, sparse []vector.ScoredPoint
			for i := 0; i < nDense; i++ {
				dense = append(dense, vector.ScoredPoint{ID: fmt.Sprintf("doc%02d", i), Score: float64(i)})
			}
			for i := 0; i < nSparse; i++ {
				sparse = append(sparse, vector.ScoredPoint{ID: fmt.Sprintf("doc%02d", i), Score: float64(nSparse - i)})
			}
			hits := fuse("query", dense, sparse, nil)

			want := nDense
			if nSparse > want {
				want = nSparse
			}
			if len(hits) != want {
				return false
			}
			seen := make(map[string]bool)
			for _, h := range hits {
				if seen[h.ID] {
					return false
				}
				seen[h.ID] = true
			}
			return true
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
