package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/engramdev/engram/internal/backoff"
)

// HTTPSparse calls a SPLADE inference server: POST /embed with a list of
// texts, returning one sparse vector per text.
type HTTPSparse struct {
	url    string
	client *http.Client
}

// NewHTTPSparse builds a sparse client for the given inference endpoint.
func NewHTTPSparse(url string, timeout time.Duration) *HTTPSparse {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPSparse{url: url, client: &http.Client{Timeout: timeout}}
}

func (e *HTTPSparse) EmbedSparse(ctx context.Context, texts []string) ([]SparseVector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out struct {
		Vectors []SparseVector `json:"vectors"`
	}
	if err := postJSON(ctx, e.client, e.url+"/embed", map[string]any{"texts": texts}, &out); err != nil {
		return nil, fmt.Errorf("embeddings: sparse inference: %w", err)
	}
	if len(out.Vectors) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d sparse vectors for %d texts", len(out.Vectors), len(texts))
	}
	return out.Vectors, nil
}

// HTTPColbert calls a ColBERT inference server with the same contract,
// returning a token-level vector matrix per text.
type HTTPColbert struct {
	url    string
	client *http.Client
}

// NewHTTPColbert builds a ColBERT client for the given inference endpoint.
func NewHTTPColbert(url string, timeout time.Duration) *HTTPColbert {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPColbert{url: url, client: &http.Client{Timeout: timeout}}
}

func (e *HTTPColbert) EmbedColbert(ctx context.Context, texts []string) ([][][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out struct {
		Vectors [][][]float32 `json:"vectors"`
	}
	if err := postJSON(ctx, e.client, e.url+"/embed", map[string]any{"texts": texts}, &out); err != nil {
		return nil, fmt.Errorf("embeddings: colbert inference: %w", err)
	}
	if len(out.Vectors) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d colbert matrices for %d texts", len(out.Vectors), len(texts))
	}
	return out.Vectors, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	_, err = backoff.Retry(ctx, backoff.DefaultPolicy(), 3, func(int) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return struct{}{}, backoff.MarkTransient(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, resp.Body)
			return struct{}{}, backoff.MarkTransient(fmt.Errorf("status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return struct{}{}, fmt.Errorf("status %d: %s", resp.StatusCode, data)
		}
		return struct{}{}, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}
