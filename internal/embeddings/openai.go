package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/engramdev/engram/internal/backoff"
	"github.com/engramdev/engram/internal/config"
)

// denseDims maps the supported dense models to their output size.
var denseDims = map[string]int{
	"e5-small": 384,
	"e5-base":  768,
	"e5-large": 1024,
	"gte":      768,
	"bge":      768,
}

const defaultDenseDim = 768

// OpenAIDense produces dense embeddings through any OpenAI-compatible
// embeddings endpoint (hosted or a local inference server).
type OpenAIDense struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIDense builds the dense client from configuration.
func NewOpenAIDense(cfg config.EmbeddingsConfig) *OpenAIDense {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	dim, ok := denseDims[cfg.Model]
	if !ok {
		dim = defaultDenseDim
	}
	return &OpenAIDense{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		dim:    dim,
	}
}

func (e *OpenAIDense) Dim() int { return e.dim }

// EmbedDense embeds all texts in one request, retrying transient failures.
func (e *OpenAIDense) EmbedDense(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := backoff.Retry(ctx, backoff.DefaultPolicy(), 3, func(int) (openai.EmbeddingResponse, error) {
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: texts,
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return openai.EmbeddingResponse{}, backoff.MarkTransient(err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: dense inference: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		out[item.Index] = item.Embedding
	}
	return out, nil
}
