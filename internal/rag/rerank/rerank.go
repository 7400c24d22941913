// Package rerank is a client for a cross-encoder scoring service that
// reorders retrieved candidates by relevance to a query.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Candidate is one document offered for reranking. Index refers back to the
// caller's ordering.
type Candidate struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
}

// Result is a scored candidate.
type Result struct {
	Index   int     `json:"index"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rerank service returned status %d: %s", e.StatusCode, e.Body)
}

// Config contains configuration for the rerank client.
type Config struct {
	// BaseURL of the scoring service. The client posts to {BaseURL}/rerank.
	BaseURL string `yaml:"base_url"`

	// Model is the default rerank model.
	Model string `yaml:"model"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`

	// Timeout bounds one call.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`
}

// Reranker reorders candidates for a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate, model string) ([]Result, error)
}

// Client implements Reranker over HTTP.
type Client struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

var _ Reranker = (*Client)(nil)

// New creates a rerank client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("rerank: base_url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Model returns the default model.
func (c *Client) Model() string {
	return c.model
}

type rerankRequest struct {
	Model     string      `json:"model"`
	Query     string      `json:"query"`
	Documents []Candidate `json:"documents"`
}

type rerankResponse struct {
	Results []Result `json:"results"`
}

// Rerank scores candidates against query and returns them sorted by
// descending score. Results whose index does not refer to a candidate are
// dropped. An empty model uses the configured default. There is no retry.
func (c *Client) Rerank(ctx context.Context, query string, candidates []Candidate, model string) ([]Result, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if model == "" {
		model = c.model
	}

	body, err := json.Marshal(rerankRequest{Model: model, Query: query, Documents: candidates})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	known := make(map[int]string, len(candidates))
	for _, cand := range candidates {
		known[cand.Index] = cand.Content
	}
	results := make([]Result, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		content, ok := known[r.Index]
		if !ok {
			continue
		}
		if r.Content == "" {
			r.Content = content
		}
		results = append(results, r)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}
