package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/engramdev/engram/pkg/models"
)

// apiClient is a minimal client for the Engram HTTP API, used by the CLI
// subcommands and the transcript watcher.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   os.Getenv("AUTH_TOKEN"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) Ingest(ctx context.Context, env *models.Envelope) error {
	return c.post(ctx, "/api/ingest", env, nil)
}

func (c *apiClient) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	var resp models.SearchResponse
	if err := c.post(ctx, "/api/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) Recall(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	var resp models.SearchResponse
	if err := c.post(ctx, "/api/memory/recall", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) Remember(ctx context.Context, req any) (*models.RememberResult, error) {
	var res models.RememberResult
	if err := c.post(ctx, "/api/memory/remember", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *apiClient) Query(ctx context.Context, query string) ([]*models.Node, error) {
	var out struct {
		Nodes []*models.Node `json:"nodes"`
	}
	if err := c.post(ctx, "/api/memory/query", map[string]string{"query": query}, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}
