// Package search implements the hybrid retrieval engine: parallel dense and
// sparse recall, reciprocal rank fusion, optional reranking, and graceful
// degradation when the vector backend is unavailable.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/embeddings"
	"github.com/engramdev/engram/internal/graph"
	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/internal/vector"
	"github.com/engramdev/engram/pkg/models"
)

const (
	defaultLimit       = 10
	defaultRerankDepth = 20
	recallMultiplier   = 3
	defaultAbstention  = 0.3
)

// Engine runs search requests against the vector store, falling back to the
// graph keyword index when vectors are unreachable.
type Engine struct {
	store   vector.Store
	graph   graph.Store
	dense   embeddings.DenseEmbedder
	sparse  embeddings.SparseEmbedder
	cfg     config.SearchConfig
	log     *observability.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	rerankers map[models.RerankTier]Reranker
	predictor WeightPredictor
	grounding GroundingChecker
}

// GroundingChecker scores how well the retrieved contexts entail an answer to
// the query, in [0,1]. Installed by a downstream reader; without one grounding
// abstention is skipped.
type GroundingChecker interface {
	Entails(ctx context.Context, query string, contexts []string) (float64, error)
}

// NewEngine creates a search engine. graph may not be nil; it backs the
// keyword fallback path.
func NewEngine(store vector.Store, g graph.Store, dense embeddings.DenseEmbedder, sparse embeddings.SparseEmbedder, cfg config.SearchConfig, log *observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:     store,
		graph:     g,
		dense:     dense,
		sparse:    sparse,
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		rerankers: make(map[models.RerankTier]Reranker),
	}
}

// SetWeightPredictor installs a learned fusion weight model. Without one the
// engine uses fixed fallback weights.
func (e *Engine) SetWeightPredictor(p WeightPredictor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predictor = p
}

// SetGroundingChecker installs an entailment model used to abstain when the
// retrieved contexts do not support answering the query.
func (e *Engine) SetGroundingChecker(g GroundingChecker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.grounding = g
}

// RegisterReranker installs a reranker for a tier. Tiers without a registered
// reranker skip reranking and flag the response degraded when it was asked for.
func (e *Engine) RegisterReranker(tier models.RerankTier, r Reranker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rerankers[tier] = r
}

func (e *Engine) reranker(tier models.RerankTier) (Reranker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rerankers[tier]
	return r, ok
}

// Search executes one request end to end.
func (e *Engine) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	started := time.Now()
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("search: empty query")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	e.applyTemporalFilter(req, time.Now())

	results, degraded, err := e.retrieve(ctx, req, limit)
	if err != nil {
		return nil, err
	}

	threshold := req.Threshold
	if threshold <= 0 {
		threshold = e.cfg.AbstentionThreshold
	}
	if threshold <= 0 {
		threshold = defaultAbstention
	}
	// Abstention: below-threshold confidence returns nothing rather than a
	// low-confidence head.
	if len(results) > 0 && results[0].Score < threshold {
		e.countDegraded("abstained")
		results = nil
		degraded = true
	}

	if grounded, err := e.checkGrounding(ctx, req.Text, results); err == nil && !grounded {
		e.countDegraded("ungrounded")
		results = nil
		degraded = true
	}
	if degraded {
		for i := range results {
			results[i].Degraded = true
		}
	}

	if len(results) > limit {
		results = results[:limit]
	}

	took := time.Since(started)
	if e.metrics != nil {
		e.metrics.SearchDuration.WithLabelValues("total").Observe(took.Seconds())
	}
	return &models.SearchResponse{
		Results:  results,
		Total:    len(results),
		TookMS:   took.Milliseconds(),
		Degraded: degraded,
	}, nil
}

// SearchSession runs a two-stage session-aware search: session-scoped recall
// first, then a global pass to fill the remainder. Session hits keep their
// rank advantage; global fills never displace them.
func (e *Engine) SearchSession(ctx context.Context, sessionID string, req *models.SearchRequest) (*models.SearchResponse, error) {
	started := time.Now()
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	scoped := *req
	scoped.Limit = limit
	if scoped.Filters == nil {
		scoped.Filters = &models.SearchFilters{}
	} else {
		f := *req.Filters
		scoped.Filters = &f
	}
	scoped.Filters.SessionID = sessionID

	resp, err := e.Search(ctx, &scoped)
	if err != nil {
		return nil, err
	}
	results := resp.Results

	if len(results) < limit {
		global := *req
		global.Limit = limit
		globalResp, err := e.Search(ctx, &global)
		if err == nil {
			seen := make(map[string]bool, len(results))
			for _, r := range results {
				seen[r.ID] = true
			}
			for _, r := range globalResp.Results {
				if len(results) >= limit {
					break
				}
				if !seen[r.ID] {
					results = append(results, r)
				}
			}
		}
	}

	return &models.SearchResponse{
		Results: results,
		Total:   len(results),
		TookMS:  time.Since(started).Milliseconds(),
	}, nil
}

// SearchMulti expands the query into variants, searches each, and fuses the
// result sets by best score per document.
func (e *Engine) SearchMulti(ctx context.Context, req *models.SearchRequest, variants []string) (*models.SearchResponse, error) {
	started := time.Now()
	queries := append([]string{req.Text}, variants...)

	best := make(map[string]models.SearchResult)
	for _, q := range queries {
		sub := *req
		sub.Text = q
		resp, err := e.Search(ctx, &sub)
		if err != nil {
			continue
		}
		for _, r := range resp.Results {
			if prev, ok := best[r.ID]; !ok || r.Score > prev.Score {
				best[r.ID] = r
			}
		}
	}
	if len(best) == 0 {
		return nil, fmt.Errorf("search: all query variants failed")
	}

	results := make([]models.SearchResult, 0, len(best))
	for _, r := range best {
		results = append(results, r)
	}
	sortResults(results)

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return &models.SearchResponse{
		Results: results,
		Total:   len(results),
		TookMS:  time.Since(started).Milliseconds(),
	}, nil
}

// retrieve runs recall, fusion, and reranking. The returned degraded flag is
// set when any stage fell back.
func (e *Engine) retrieve(ctx context.Context, req *models.SearchRequest, limit int) ([]models.SearchResult, bool, error) {
	recallK := limit * recallMultiplier
	if depth := e.rerankDepth(req); depth > recallK {
		recallK = depth
	}
	filter := buildFilter(req.Filters)

	strategy := req.Strategy
	if strategy == "" {
		strategy = models.StrategyHybrid
	}

	var (
		wg                    sync.WaitGroup
		denseHits, sparseHits []vector.ScoredPoint
		denseErr, sparseErr   error
	)

	if strategy != models.StrategyBM25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			denseHits, denseErr = e.searchDense(ctx, req.Text, recallK, filter)
		}()
	}
	if strategy != models.StrategyVector {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sparseHits, sparseErr = e.searchSparse(ctx, req.Text, recallK, filter)
		}()
	}
	wg.Wait()

	degraded := false
	switch {
	case strategy == models.StrategyHybrid && denseErr != nil && sparseErr != nil,
		strategy == models.StrategyVector && denseErr != nil,
		strategy == models.StrategyBM25 && sparseErr != nil:
		e.log.Warn("vector backend unavailable, serving keyword fallback",
			"dense_error", denseErr, "sparse_error", sparseErr)
		e.countDegraded("graph_keyword")
		results, err := e.keywordFallback(ctx, req.Text, limit)
		return results, true, err
	case strategy == models.StrategyHybrid && denseErr != nil:
		e.log.Warn("dense retrieval failed, serving sparse-only results", "error", denseErr)
		e.countDegraded("sparse_only")
		degraded = true
	case strategy == models.StrategyHybrid && sparseErr != nil:
		e.log.Warn("sparse retrieval failed, serving dense-only results", "error", sparseErr)
		e.countDegraded("dense_only")
		degraded = true
	}

	e.mu.RLock()
	predictor := e.predictor
	e.mu.RUnlock()

	fuseStart := time.Now()
	hits := fuse(req.Text, denseHits, sparseHits, predictor)
	if e.metrics != nil {
		e.metrics.SearchDuration.WithLabelValues("fusion").Observe(time.Since(fuseStart).Seconds())
	}

	var rerankTier models.RerankTier
	if req.Rerank && len(hits) > 0 {
		tier, rerankDegraded := e.applyRerank(ctx, req, hits)
		degraded = degraded || rerankDegraded
		rerankTier = tier
	}

	results := make([]models.SearchResult, len(hits))
	for i, h := range hits {
		results[i] = models.SearchResult{
			ID:       h.ID,
			Score:    h.Score,
			RRFScore: h.RRF,
			Payload:  h.Payload,
		}
		if h.Reranked {
			results[i].RerankerScore = h.RerankScore
			results[i].RerankTier = rerankTier
		}
	}
	return results, degraded, nil
}

// applyRerank rescores the top candidates in place. The bool is true when
// the request asked for reranking but it could not run.
func (e *Engine) applyRerank(ctx context.Context, req *models.SearchRequest, hits []*fusedHit) (models.RerankTier, bool) {
	tier := req.RerankTier
	if tier == "" {
		tier = models.RerankTier(e.cfg.RerankTier)
	}
	if tier == "" {
		tier = models.RerankFast
	}

	r, ok := e.reranker(tier)
	if !ok {
		e.log.Warn("no reranker registered for tier, skipping", "tier", tier)
		e.countDegraded("rerank_skipped")
		return tier, true
	}

	depth := e.rerankDepth(req)
	if depth > len(hits) {
		depth = len(hits)
	}
	head := hits[:depth]

	docs := make([]string, len(head))
	for i, h := range head {
		if content, ok := h.Payload["content"].(string); ok {
			docs[i] = content
		}
	}

	rerankCtx := ctx
	if tier == models.RerankLLM && e.cfg.LLMRerankTimeout > 0 {
		var cancel context.CancelFunc
		rerankCtx, cancel = context.WithTimeout(ctx, e.cfg.LLMRerankTimeout)
		defer cancel()
	}

	started := time.Now()
	scores, err := r.Rerank(rerankCtx, req.Text, docs)
	if e.metrics != nil {
		e.metrics.SearchDuration.WithLabelValues("rerank").Observe(time.Since(started).Seconds())
	}
	if err != nil {
		e.log.Warn("rerank failed, keeping fused order", "tier", tier, "error", err)
		e.countDegraded("rerank_skipped")
		return tier, true
	}

	for i, h := range head {
		h.RerankScore = scores[i]
		h.Reranked = true
	}
	merge := models.MergeStrategy(e.cfg.MergeStrategy)
	if req.MergeStrategy != "" {
		merge = req.MergeStrategy
	}
	if merge == "" {
		merge = models.MergeRankBased
	}
	weight := req.RerankWeight
	if weight <= 0 {
		weight = e.cfg.RerankWeight
	}
	mergeRerank(head, scores, merge, weight)
	return tier, false
}

// checkGrounding asks the installed entailment model whether the top contexts
// support the query. Returns grounded=true when no checker is installed or the
// result list is empty.
func (e *Engine) checkGrounding(ctx context.Context, query string, results []models.SearchResult) (bool, error) {
	e.mu.RLock()
	g := e.grounding
	e.mu.RUnlock()
	if g == nil || len(results) == 0 {
		return true, nil
	}

	n := len(results)
	if n > 5 {
		n = 5
	}
	contexts := make([]string, 0, n)
	for _, r := range results[:n] {
		if content, ok := r.Payload["content"].(string); ok && content != "" {
			contexts = append(contexts, content)
		}
	}
	if len(contexts) == 0 {
		return true, nil
	}

	score, err := g.Entails(ctx, query, contexts)
	if err != nil {
		e.log.Warn("grounding check failed, keeping results", "error", err)
		return true, err
	}
	threshold := e.cfg.NLIThreshold
	if threshold <= 0 {
		return true, nil
	}
	return score >= threshold, nil
}

func (e *Engine) rerankDepth(req *models.SearchRequest) int {
	if req.RerankDepth > 0 {
		return req.RerankDepth
	}
	if e.cfg.RerankDepth > 0 {
		return e.cfg.RerankDepth
	}
	return defaultRerankDepth
}

func (e *Engine) searchDense(ctx context.Context, query string, k int, filter *vector.Filter) ([]vector.ScoredPoint, error) {
	embedStart := time.Now()
	vecs, err := e.dense.EmbedDense(ctx, []string{query})
	if e.metrics != nil {
		e.metrics.SearchDuration.WithLabelValues("embed").Observe(time.Since(embedStart).Seconds())
	}
	if err != nil {
		return nil, err
	}

	searchStart := time.Now()
	hits, err := e.store.SearchDense(ctx, vecs[0], k, filter)
	if e.metrics != nil {
		e.metrics.SearchDuration.WithLabelValues("dense").Observe(time.Since(searchStart).Seconds())
	}
	return hits, err
}

func (e *Engine) searchSparse(ctx context.Context, query string, k int, filter *vector.Filter) ([]vector.ScoredPoint, error) {
	vecs, err := e.sparse.EmbedSparse(ctx, []string{query})
	if err != nil {
		return nil, err
	}

	searchStart := time.Now()
	hits, err := e.store.SearchSparse(ctx, vecs[0].Indices, vecs[0].Values, k, filter)
	if e.metrics != nil {
		e.metrics.SearchDuration.WithLabelValues("sparse").Observe(time.Since(searchStart).Seconds())
	}
	return hits, err
}

// keywordFallback serves results from the graph keyword index when the vector
// backend is down. Scores are term-hit ratios, not comparable to fused scores.
func (e *Engine) keywordFallback(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	terms := strings.Fields(strings.ToLower(query))
	nodes, err := e.graph.KeywordSearch(ctx, terms, limit)
	if err != nil {
		return nil, fmt.Errorf("search: keyword fallback: %w", err)
	}

	results := make([]models.SearchResult, len(nodes))
	for i, n := range nodes {
		results[i] = models.SearchResult{
			ID:       n.LogicalID,
			Score:    1 - float64(i)/float64(len(nodes)+1),
			Payload:  n.Props,
			Degraded: true,
		}
	}
	return results, nil
}

func (e *Engine) countDegraded(fallback string) {
	if e.metrics != nil {
		e.metrics.SearchDegraded.WithLabelValues(fallback).Inc()
	}
}

func buildFilter(f *models.SearchFilters) *vector.Filter {
	if f == nil {
		return nil
	}
	out := &vector.Filter{SessionID: f.SessionID, Type: f.Type}
	if f.TimeRange != nil {
		if !f.TimeRange.Start.IsZero() {
			start := f.TimeRange.Start
			out.VTAfter = &start
		}
		if !f.TimeRange.End.IsZero() {
			end := f.TimeRange.End
			out.VTBefore = &end
		}
	}
	return out
}

func sortResults(results []models.SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
}
