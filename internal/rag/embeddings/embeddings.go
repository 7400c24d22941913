// Package embeddings provides interfaces and implementations for embedding providers.
package embeddings

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Task tells the provider whether the text is a query or a stored passage.
// Some models are trained with different treatments for the two.
type Task string

const (
	TaskSearchQuery    Task = "search_query"
	TaskSearchDocument Task = "search_document"
)

// Provider defines the interface for embedding providers.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string, task Task) ([]float32, error)

	// EmbedMany generates embeddings for multiple texts. The output order
	// matches the input order.
	EmbedMany(ctx context.Context, texts []string, task Task) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Model returns the embedding model name.
	Model() string

	// Dimension returns the embedding dimension.
	Dimension() int
}

// Config contains configuration for all embedding providers.
type Config struct {
	// DefaultModel is used when a run or store does not name a model.
	DefaultModel string `yaml:"default_model"`

	// DefaultDimension is assumed for models missing from Models.
	// Default: 768
	DefaultDimension int `yaml:"default_dimension"`

	// Models lists known embedding models and the provider serving each.
	Models []ModelConfig `yaml:"models"`

	// Concurrency bounds parallel single-item calls in EmbedMany.
	// Default: DefaultConcurrency
	Concurrency int `yaml:"concurrency"`

	Ollama OllamaConfig `yaml:"ollama"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Gemini GeminiConfig `yaml:"gemini"`
}

// DefaultConcurrency bounds EmbedMany when no concurrency is configured.
const DefaultConcurrency = 4

// ModelConfig maps an embedding model to its provider and dimension.
type ModelConfig struct {
	Name      string `yaml:"name"`
	Provider  string `yaml:"provider"` // ollama, openai, gemini
	Dimension int    `yaml:"dimension"`
}

// OllamaConfig configures the local HTTP embedding endpoint.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
}

// OpenAIConfig configures the OpenAI-compatible embedding API.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// GeminiConfig configures the Gemini embedding API.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// EmbedEach calls embed for every text with at most concurrency calls in
// flight, preserving input order in the result.
func EmbedEach(ctx context.Context, texts []string, concurrency int, embed func(ctx context.Context, text string) ([]float32, error)) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := embed(gctx, text)
			if err != nil {
				return fmt.Errorf("embed text %d: %w", i, err)
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
