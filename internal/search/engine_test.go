package search

import (
	"context"
	"errors"
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

func testEngine(t *testing.T, store vector.Store, g graph.Store) *Engine {
	t.Helper()
	log := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	return NewEngine(store, g,
		embeddings.NewHashingDense(64), embeddings.HashingSparse{},
		config.SearchConfig{AbstentionThreshold: 0.3}, log, nil)
}

func seedPoints(t *testing.T, store *vector.MemoryStore, docs map[string]string) {
	t.Helper()
	ctx := context.Background()
	dense := embeddings.NewHashingDense(64)
	sparse := embeddings.HashingSparse{}

	var points []vector.Point
	for id, content := range docs {
		dv, err := dense.EmbedDense(ctx, []string{content})
		if err != nil {
			t.Fatal(err)
		}
		sv, err := sparse.EmbedSparse(ctx, []string{content})
		if err != nil {
			t.Fatal(err)
		}
		points = append(points, vector.Point{
			ID:            id,
			Dense:         dv[0],
			SparseIndices: sv[0].Indices,
			SparseValues:  sv[0].Values,
			Payload:       map[string]any{"content": content, "session_id": "sess-1", "type": "memory"},
		})
	}
	if err := store.Upsert(ctx, points); err != nil {
		t.Fatal(err)
	}
}

func TestHybridSearchRanksExactMatchFirst(t *testing.T) {
	store := vector.NewMemoryStore()
	seedPoints(t, store, map[string]string{
		"a": "redis streams consumer group semantics",
		"b": "postgres connection pooling notes",
		"c": "redis cluster failover runbook",
	})
	e := testEngine(t, store, graph.NewMemoryStore())

	resp, err := e.Search(context.Background(), &models.SearchRequest{
		Text:  "redis streams consumer group semantics",
		Limit: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("no results")
	}
	if resp.Results[0].ID != "a" {
		t.Fatalf("top result = %s, want a", resp.Results[0].ID)
	}
	if resp.Results[0].RRFScore == 0 {
		t.Fatal("rrf score not recorded")
	}
	if resp.Results[0].Degraded {
		t.Fatal("healthy path must not be degraded")
	}
}

func TestDenseFailureFallsBackToSparseOnly(t *testing.T) {
	store := vector.NewMemoryStore()
	seedPoints(t, store, map[string]string{
		"a": "bitemporal amendment protocol",
	})
	g := graph.NewMemoryStore()

	log := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	e := NewEngine(store, g,
		failingDense{}, embeddings.HashingSparse{},
		config.SearchConfig{}, log, nil)

	resp, err := e.Search(context.Background(), &models.SearchRequest{Text: "bitemporal amendment protocol"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("sparse leg should still return results")
	}
	for _, r := range resp.Results {
		if !r.Degraded {
			t.Fatal("sparse-only results must be flagged degraded")
		}
	}
}

func TestTotalVectorFailureServesKeywordFallback(t *testing.T) {
	store := vector.NewMemoryStore()
	store.FailWith(errors.New("connection refused"))
	g := graph.NewMemoryStore()

	node := &models.Node{
		Kind:      "Memory",
		SessionID: "sess-1",
		Props:     map[string]any{"content": "deployment rollback procedure"},
	}
	if err := g.CreateNode(context.Background(), node); err != nil {
		t.Fatal(err)
	}

	e := testEngine(t, store, g)
	resp, err := e.Search(context.Background(), &models.SearchRequest{Text: "rollback procedure"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("got %d fallback results, want 1", len(resp.Results))
	}
	if !resp.Results[0].Degraded {
		t.Fatal("keyword fallback results must be flagged degraded")
	}
}

func TestAbstentionBelowThreshold(t *testing.T) {
	store := vector.NewMemoryStore()
	seedPoints(t, store, map[string]string{
		"a": "completely unrelated topic about gardening",
	})
	e := testEngine(t, store, graph.NewMemoryStore())

	resp, err := e.Search(context.Background(), &models.SearchRequest{
		Text:      "kubernetes ingress controller",
		Threshold: 0.99,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("abstention must return no results, got %d", len(resp.Results))
	}
	if !resp.Degraded {
		t.Fatal("abstained response must be marked degraded")
	}
}

func TestEmptyQueryRejected(t *testing.T) {
	e := testEngine(t, vector.NewMemoryStore(), graph.NewMemoryStore())
	if _, err := e.Search(context.Background(), &models.SearchRequest{Text: "   "}); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestEmptyIndexReturnsNoResults(t *testing.T) {
	e := testEngine(t, vector.NewMemoryStore(), graph.NewMemoryStore())
	resp, err := e.Search(context.Background(), &models.SearchRequest{Text: "anything"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 0 {
		t.Fatalf("empty index returned %d results", resp.Total)
	}
}

func TestSessionFilterScopesResults(t *testing.T) {
	store := vector.NewMemoryStore()
	ctx := context.Background()
	dense := embeddings.NewHashingDense(64)
	sparse := embeddings.HashingSparse{}

	for id, sess := range map[string]string{"x": "sess-1", "y": "sess-2"} {
		content := "shared phrase about caching"
		dv, _ := dense.EmbedDense(ctx, []string{content})
		sv, _ := sparse.EmbedSparse(ctx, []string{content})
		store.Upsert(ctx, []vector.Point{{
			ID: id, Dense: dv[0], SparseIndices: sv[0].Indices, SparseValues: sv[0].Values,
			Payload: map[string]any{"content": content, "session_id": sess},
		}})
	}

	e := testEngine(t, store, graph.NewMemoryStore())
	resp, err := e.Search(ctx, &models.SearchRequest{
		Text:    "shared phrase about caching",
		Filters: &models.SearchFilters{SessionID: "sess-2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "y" {
		t.Fatalf("session filter leaked: %+v", resp.Results)
	}
}

func TestTemporalFilter(t *testing.T) {
	store := vector.NewMemoryStore()
	ctx := context.Background()
	dense := embeddings.NewHashingDense(64)
	sparse := embeddings.HashingSparse{}

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for id, vt := range map[string]time.Time{"old": old, "new": recent} {
		content := "release checklist"
		dv, _ := dense.EmbedDense(ctx, []string{content})
		sv, _ := sparse.EmbedSparse(ctx, []string{content})
		store.Upsert(ctx, []vector.Point{{
			ID: id, Dense: dv[0], SparseIndices: sv[0].Indices, SparseValues: sv[0].Values,
			Payload: map[string]any{"content": content, "vt_start": vt.Unix()},
		}})
	}

	e := testEngine(t, store, graph.NewMemoryStore())
	cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	resp, err := e.Search(ctx, &models.SearchRequest{
		Text:    "release checklist",
		Filters: &models.SearchFilters{TimeRange: &models.TimeRange{Start: cutoff}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "new" {
		t.Fatalf("temporal filter failed: %+v", resp.Results)
	}
}

func TestSessionAwareTwoStage(t *testing.T) {
	store := vector.NewMemoryStore()
	ctx := context.Background()
	dense := embeddings.NewHashingDense(64)
	sparse := embeddings.HashingSparse{}

	for id, sess := range map[string]string{"s1": "sess-1", "g1": "sess-2", "g2": "sess-3"} {
		content := "error handling convention"
		dv, _ := dense.EmbedDense(ctx, []string{content})
		sv, _ := sparse.EmbedSparse(ctx, []string{content})
		store.Upsert(ctx, []vector.Point{{
			ID: id, Dense: dv[0], SparseIndices: sv[0].Indices, SparseValues: sv[0].Values,
			Payload: map[string]any{"content": content, "session_id": sess},
		}})
	}

	e := testEngine(t, store, graph.NewMemoryStore())
	resp, err := e.SearchSession(ctx, "sess-1", &models.SearchRequest{
		Text:  "error handling convention",
		Limit: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(resp.Results))
	}
	if resp.Results[0].ID != "s1" {
		t.Fatalf("session hit must rank first, got %s", resp.Results[0].ID)
	}
}

func TestMultiQueryExpansionTakesBestScore(t *testing.T) {
	store := vector.NewMemoryStore()
	seedPoints(t, store, map[string]string{
		"a": "database migration strategy",
		"b": "schema evolution plan",
	})
	e := testEngine(t, store, graph.NewMemoryStore())

	resp, err := e.SearchMulti(context.Background(), &models.SearchRequest{
		Text:  "database migration strategy",
		Limit: 5,
	}, []string{"schema evolution plan"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expansion should surface both docs, got %d", len(resp.Results))
	}
}

func TestRerankSkippedWhenUnregistered(t *testing.T) {
	store := vector.NewMemoryStore()
	seedPoints(t, store, map[string]string{"a": "observability stack notes"})
	e := testEngine(t, store, graph.NewMemoryStore())

	resp, err := e.Search(context.Background(), &models.SearchRequest{
		Text:   "observability stack notes",
		Rerank: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range resp.Results {
		if !r.Degraded {
			t.Fatal("skipped rerank must flag results degraded")
		}
	}
}

func TestRerankReordersTopCandidates(t *testing.T) {
	store := vector.NewMemoryStore()
	seedPoints(t, store, map[string]string{
		"a": "first candidate text",
		"b": "second candidate text",
	})
	e := testEngine(t, store, graph.NewMemoryStore())
	e.RegisterReranker(models.RerankFast, rerankerFunc(func(_ context.Context, _ string, docs []string) ([]float64, error) {
		// Invert the incoming order.
		scores := make([]float64, len(docs))
		for i := range docs {
			scores[i] = float64(i)
		}
		return scores, nil
	}))

	resp, err := e.Search(context.Background(), &models.SearchRequest{
		Text:   "candidate text",
		Rerank: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	if resp.Results[0].RerankTier != models.RerankFast {
		t.Fatalf("rerank tier not recorded: %+v", resp.Results[0])
	}
	if resp.Results[0].RerankerScore == 0 && resp.Results[1].RerankerScore == 0 {
		t.Fatal("reranker scores not recorded")
	}
}

type rerankerFunc func(ctx context.Context, query string, docs []string) ([]float64, error)

func (f rerankerFunc) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	return f(ctx, query, docs)
}

type failingDense struct{}

func (failingDense) EmbedDense(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("inference server down")
}

func (failingDense) Dim() int { return 64 }
