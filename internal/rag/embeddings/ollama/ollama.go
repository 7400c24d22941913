// Package ollama provides an embedding provider for self-hosted models served
// over Ollama's HTTP embedding endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/ragbench/internal/rag/embeddings"
)

// Provider implements embeddings.Provider using Ollama.
type Provider struct {
	baseURL     string
	model       string
	dimension   int
	concurrency int
	client      *http.Client
}

var _ embeddings.Provider = (*Provider)(nil)

// Config contains configuration for the Ollama provider.
type Config struct {
	BaseURL     string // Default: http://localhost:11434
	Model       string // nomic-embed-text, mxbai-embed-large
	Dimension   int
	Concurrency int
	Timeout     time.Duration // Default: 60s
}

// taskPrefixes lists the model families trained with a literal task prefix.
// Models not listed here must receive the raw text.
var taskPrefixes = map[string]map[embeddings.Task]string{
	"nomic-embed-text": {
		embeddings.TaskSearchQuery:    "search_query: ",
		embeddings.TaskSearchDocument: "search_document: ",
	},
	"nomic-embed-text-v2-moe": {
		embeddings.TaskSearchQuery:    "search_query: ",
		embeddings.TaskSearchDocument: "search_document: ",
	},
}

// New creates a new Ollama embedding provider.
func New(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = embeddings.DefaultDimension
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = embeddings.DefaultConcurrency
	}

	return &Provider{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		dimension:   cfg.Dimension,
		concurrency: cfg.Concurrency,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ollama"
}

// Model returns the embedding model name.
func (p *Provider) Model() string {
	return p.model
}

// Dimension returns the embedding dimension for the configured model.
func (p *Provider) Dimension() int {
	return p.dimension
}

// Prefix returns the task prefix model expects, or "" for models that take
// raw text. A tag suffix such as ":latest" is ignored.
func Prefix(model string, task embeddings.Task) string {
	family, _, _ := strings.Cut(model, ":")
	return taskPrefixes[family][task]
}

// Embed generates an embedding for a single text.
func (p *Provider) Embed(ctx context.Context, text string, task embeddings.Task) ([]float32, error) {
	req := embeddingRequest{
		Model:  p.model,
		Prompt: Prefix(p.model, task) + text,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("ollama returned status %d and failed to read body: %w", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding for model %s", p.model)
	}

	return result.Embedding, nil
}

// EmbedMany embeds each text with a single-item call.
func (p *Provider) EmbedMany(ctx context.Context, texts []string, task embeddings.Task) ([][]float32, error) {
	return embeddings.EmbedEach(ctx, texts, p.concurrency, func(ctx context.Context, text string) ([]float32, error) {
		return p.Embed(ctx, text, task)
	})
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}
