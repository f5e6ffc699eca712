package models

import "time"

// SearchStrategy selects the retrieval path.
type SearchStrategy string

const (
	StrategyHybrid SearchStrategy = "hybrid"
	StrategyVector SearchStrategy = "vector"
	StrategyBM25   SearchStrategy = "bm25"
)

// RerankTier selects the cross-encoder used for optional reranking.
type RerankTier string

const (
	RerankFast     RerankTier = "fast"
	RerankAccurate RerankTier = "accurate"
	RerankCode     RerankTier = "code"
	RerankLLM      RerankTier = "llm"
)

// MergeStrategy controls how reranker scores merge with fused scores.
type MergeStrategy string

const (
	MergeReplace   MergeStrategy = "replace"
	MergeWeighted  MergeStrategy = "weighted"
	MergeRankBased MergeStrategy = "rank-based"
)

// TimeRange bounds valid time for a search.
type TimeRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// SearchFilters narrows a search to a session, node type, or time window.
type SearchFilters struct {
	SessionID string     `json:"session_id,omitempty"`
	Type      string     `json:"type,omitempty"`
	TimeRange *TimeRange `json:"time_range,omitempty"`
}

// SearchRequest is the wire format for the search API.
type SearchRequest struct {
	Text          string         `json:"text"`
	Limit         int            `json:"limit,omitempty"`
	Threshold     float64        `json:"threshold,omitempty"`
	Filters       *SearchFilters `json:"filters,omitempty"`
	Strategy      SearchStrategy `json:"strategy,omitempty"`
	Rerank        bool           `json:"rerank,omitempty"`
	RerankTier    RerankTier     `json:"rerank_tier,omitempty"`
	RerankDepth   int            `json:"rerank_depth,omitempty"`
	MergeStrategy MergeStrategy  `json:"merge_strategy,omitempty"`

	// RerankWeight is the reranker's share under the weighted merge.
	RerankWeight float64 `json:"rerank_weight,omitempty"`
}

// SearchResult is one ranked hit. Score is the final score after fusion and
// any rerank merge; the stage-specific scores are preserved alongside when the
// stage ran.
type SearchResult struct {
	ID            string         `json:"id"`
	Score         float64        `json:"score"`
	RRFScore      float64        `json:"rrf_score,omitempty"`
	RerankerScore float64        `json:"reranker_score,omitempty"`
	RerankTier    RerankTier     `json:"rerank_tier,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Degraded      bool           `json:"degraded,omitempty"`
}

// SearchResponse is the wire response for the search API. Degraded is set
// when any stage fell back or the engine abstained.
type SearchResponse struct {
	Results  []SearchResult `json:"results"`
	Total    int            `json:"total"`
	TookMS   int64          `json:"took_ms"`
	Degraded bool           `json:"degraded,omitempty"`
}

// Document is the unit enqueued for hybrid indexing.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RememberResult reports the outcome of a remember call. Duplicate content
// within a session returns the existing id with Stored=false.
type RememberResult struct {
	ID        string `json:"id"`
	Stored    bool   `json:"stored"`
	Duplicate bool   `json:"duplicate,omitempty"`
}
