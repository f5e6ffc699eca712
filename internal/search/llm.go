package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const llmRerankSystem = `You rank document snippets by relevance to a query.
Respond with ONLY a JSON array of the document numbers, most relevant first,
for example: [3, 1, 2]. Include every document number exactly once.`

// LLMReranker ranks candidates listwise with a single model call per request.
// Rank positions convert to scores as 1 - rank/n, so the top document scores
// just under 1 and the last just above 0.
type LLMReranker struct {
	client anthropic.Client
	model  string
	sem    chan struct{}
}

// NewLLMReranker creates the llm rerank tier. maxConcurrency bounds in-flight
// model calls across all searches.
func NewLLMReranker(apiKey, model string, maxConcurrency int) (*LLMReranker, error) {
	if apiKey == "" {
		return nil, errors.New("search: llm reranker requires an API key")
	}
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 2
	}
	return &LLMReranker{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		sem:    make(chan struct{}, maxConcurrency),
	}, nil
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Query: %s\n\nDocuments:\n", query)
	for i, doc := range docs {
		if len(doc) > 500 {
			doc = doc[:500]
		}
		fmt.Fprintf(&prompt, "[%d] %s\n", i+1, doc)
	}

	msg, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: 256,
		System:    []anthropic.TextBlockParam{{Type: "text", Text: llmRerankSystem}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.String())),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search: llm rerank: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		text.WriteString(block.Text)
	}
	order, err := parseRanking(text.String(), len(docs))
	if err != nil {
		return nil, fmt.Errorf("search: llm rerank: %w", err)
	}

	n := float64(len(docs))
	scores := make([]float64, len(docs))
	for rank, idx := range order {
		scores[idx] = 1 - float64(rank)/n
	}
	return scores, nil
}

// parseRanking extracts a 1-based ranking array from model output and returns
// 0-based indices. Missing documents are appended in input order so every
// candidate receives a score.
func parseRanking(text string, n int) ([]int, error) {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no ranking array in %q", text)
	}

	var ranking []int
	if err := json.Unmarshal([]byte(text[start:end+1]), &ranking); err != nil {
		return nil, err
	}

	seen := make(map[int]bool, n)
	var order []int
	for _, v := range ranking {
		idx := v - 1
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order, nil
}
