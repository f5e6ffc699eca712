package search

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/embeddings"
	"github.com/engramdev/engram/internal/graph"
	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/internal/vector"
	"github.com/engramdev/engram/pkg/models"
)

func TestParseTemporalPhrases(t *testing.T) {
	now := time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)

	cases := []struct {
		query      string
		wantStart  time.Time
		confidence float64
		ok         bool
	}{
		{"what did I decide yesterday", now.Truncate(24 * time.Hour).Add(-24 * time.Hour), 0.9, true},
		{"errors from 2 hours ago", now.Add(-2 * time.Hour), 0.9, true},
		{"deploys last week", now.Add(-7 * 24 * time.Hour), 0.8, true},
		{"something recently", now.Add(-24 * time.Hour), 0.4, true},
		{"redis streams consumer groups", time.Time{}, 0, false},
	}
	for _, tc := range cases {
		tr, confidence, ok := parseTemporal(tc.query, now)
		if ok != tc.ok {
			t.Fatalf("%q: ok = %v, want %v", tc.query, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if confidence != tc.confidence {
			t.Errorf("%q: confidence = %v, want %v", tc.query, confidence, tc.confidence)
		}
		if !tr.Start.Equal(tc.wantStart) {
			t.Errorf("%q: start = %v, want %v", tc.query, tr.Start, tc.wantStart)
		}
	}
}

func TestTemporalFilterGatedOnConfidence(t *testing.T) {
	e := testEngine(t, vector.NewMemoryStore(), graph.NewMemoryStore())
	now := time.Now()

	// "recently" scores 0.4, below the default gate.
	vague := &models.SearchRequest{Text: "what broke recently"}
	e.applyTemporalFilter(vague, now)
	if vague.Filters != nil && vague.Filters.TimeRange != nil {
		t.Fatal("low-confidence phrase must not narrow the window")
	}

	sure := &models.SearchRequest{Text: "what broke yesterday"}
	e.applyTemporalFilter(sure, now)
	if sure.Filters == nil || sure.Filters.TimeRange == nil {
		t.Fatal("high-confidence phrase must set a time range")
	}
}

func TestTemporalFilterKeepsExplicitRange(t *testing.T) {
	e := testEngine(t, vector.NewMemoryStore(), graph.NewMemoryStore())
	explicit := &models.TimeRange{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	req := &models.SearchRequest{
		Text:    "what happened yesterday",
		Filters: &models.SearchFilters{TimeRange: explicit},
	}
	e.applyTemporalFilter(req, time.Now())
	if req.Filters.TimeRange != explicit {
		t.Fatal("explicit request range must win over the parsed phrase")
	}
}

type fixedGrounding struct{ score float64 }

func (f fixedGrounding) Entails(context.Context, string, []string) (float64, error) {
	return f.score, nil
}

func TestGroundingAbstention(t *testing.T) {
	store := vector.NewMemoryStore()
	seedPoints(t, store, map[string]string{
		"a": "redis streams consumer group semantics",
	})
	log := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	e := NewEngine(store, graph.NewMemoryStore(),
		embeddings.NewHashingDense(64), embeddings.HashingSparse{},
		config.SearchConfig{NLIThreshold: 0.6}, log, nil)

	e.SetGroundingChecker(fixedGrounding{score: 0.2})
	resp, err := e.Search(context.Background(), &models.SearchRequest{Text: "redis streams consumer group semantics"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 0 || !resp.Degraded {
		t.Fatalf("ungrounded results must be withheld: %+v", resp)
	}

	e.SetGroundingChecker(fixedGrounding{score: 0.9})
	resp, err = e.Search(context.Background(), &models.SearchRequest{Text: "redis streams consumer group semantics"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("grounded results must pass through")
	}
}
