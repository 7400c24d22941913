// Package gemini provides an embedding provider using the Gemini API.
package gemini

import (
	"context"
	"fmt"

	"github.com/haasonsaas/ragbench/internal/rag/embeddings"
	"google.golang.org/genai"
)

// Provider implements embeddings.Provider using Gemini.
type Provider struct {
	models      *genai.Models
	model       string
	dimension   int
	concurrency int
}

var _ embeddings.Provider = (*Provider)(nil)

// Config contains configuration for the Gemini provider.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string // Default: gemini-embedding-001
	Dimension   int    // Sent as OutputDimensionality; must match the store schema
	Concurrency int
}

// New creates a new Gemini embedding provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-embedding-001"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = embeddings.DefaultDimension
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = embeddings.DefaultConcurrency
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &Provider{
		models:      client.Models,
		model:       cfg.Model,
		dimension:   cfg.Dimension,
		concurrency: cfg.Concurrency,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "gemini"
}

// Model returns the embedding model name.
func (p *Provider) Model() string {
	return p.model
}

// Dimension returns the requested output dimensionality.
func (p *Provider) Dimension() int {
	return p.dimension
}

// TaskType maps a retrieval task to the Gemini task type enum.
func TaskType(task embeddings.Task) string {
	if task == embeddings.TaskSearchQuery {
		return "RETRIEVAL_QUERY"
	}
	return "RETRIEVAL_DOCUMENT"
}

// Embed generates an embedding for a single text.
func (p *Provider) Embed(ctx context.Context, text string, task embeddings.Task) ([]float32, error) {
	dim := int32(p.dimension)
	resp, err := p.models.EmbedContent(ctx, p.model, genai.Text(text), &genai.EmbedContentConfig{
		TaskType:             TaskType(task),
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embed content: %w", err)
	}
	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, fmt.Errorf("no embedding returned")
	}
	values := resp.Embeddings[0].Values
	if len(values) != p.dimension {
		return nil, fmt.Errorf("gemini returned %d dimensions, want %d", len(values), p.dimension)
	}
	return values, nil
}

// EmbedMany embeds each text with a single-item call.
func (p *Provider) EmbedMany(ctx context.Context, texts []string, task embeddings.Task) ([][]float32, error) {
	return embeddings.EmbedEach(ctx, texts, p.concurrency, func(ctx context.Context, text string) ([]float32, error) {
		return p.Embed(ctx, text, task)
	})
}
