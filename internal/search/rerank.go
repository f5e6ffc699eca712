package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/engramdev/engram/internal/backoff"
	"github.com/engramdev/engram/pkg/models"
)

// Reranker rescores candidates against the query. Scores are higher-is-better
// and roughly in [0, 1].
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}

// HTTPReranker calls a cross-encoder inference server: POST /rerank with the
// query and candidate texts, returning one score per candidate. The fast,
// accurate, and code tiers differ only in endpoint.
type HTTPReranker struct {
	url    string
	client *http.Client
}

// NewHTTPReranker builds a reranker client for the given endpoint.
func NewHTTPReranker(url string, timeout time.Duration) *HTTPReranker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPReranker{url: url, client: &http.Client{Timeout: timeout}}
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(map[string]any{"query": query, "documents": docs})
	if err != nil {
		return nil, err
	}

	scores, err := backoff.Retry(ctx, backoff.DefaultPolicy(), 3, func(int) ([]float64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/rerank", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, backoff.MarkTransient(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, resp.Body)
			return nil, backoff.MarkTransient(fmt.Errorf("status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, data)
		}
		var out struct {
			Scores []float64 `json:"scores"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return out.Scores, nil
	})
	if err != nil {
		return nil, fmt.Errorf("search: rerank: %w", err)
	}
	if len(scores) != len(docs) {
		return nil, fmt.Errorf("search: got %d rerank scores for %d docs", len(scores), len(docs))
	}
	return scores, nil
}

// defaultRerankWeight is the reranker's share under the weighted merge when
// neither the request nor the config sets one.
const defaultRerankWeight = 0.5

// mergeRerank folds reranker scores into the fused ordering. The hits slice
// must align index-for-index with the scores. rerankWeight applies only to
// the weighted strategy.
func mergeRerank(hits []*fusedHit, scores []float64, strategy models.MergeStrategy, rerankWeight float64) {
	switch strategy {
	case models.MergeReplace:
		for i, h := range hits {
			h.Score = scores[i]
		}
	case models.MergeWeighted:
		w := rerankWeight
		if w <= 0 || w >= 1 {
			w = defaultRerankWeight
		}
		for i, h := range hits {
			h.Score = (1-w)*h.Score + w*scores[i]
		}
	default:
		// Rank-based: the reranker's ordering wins outright. Fused and RRF
		// scores stay on each hit untouched; only positions change. Stable
		// sort keeps the fused order for reranker ties.
		order := make([]int, len(hits))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
		reordered := make([]*fusedHit, len(hits))
		for pos, idx := range order {
			reordered[pos] = hits[idx]
		}
		copy(hits, reordered)
		return
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
}
