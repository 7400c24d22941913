package harness

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/haasonsaas/ragbench/internal/config"
	"github.com/haasonsaas/ragbench/internal/llm"
	"github.com/haasonsaas/ragbench/internal/llm/providers"
	"github.com/haasonsaas/ragbench/internal/rag/embeddings"
	"github.com/haasonsaas/ragbench/internal/rag/embeddings/gemini"
	"github.com/haasonsaas/ragbench/internal/rag/embeddings/ollama"
	"github.com/haasonsaas/ragbench/internal/rag/embeddings/openai"
)

// named registers a provider under a configured id instead of its own name.
type named struct {
	llm.Provider
	id string
}

func (n named) Name() string { return n.id }

// newChatProviders builds one provider per configured entry. With no entries
// an OpenAI provider reading OPENAI_API_KEY is registered so the fallback
// resolution in llm.Client has something to use.
func newChatProviders(ctx context.Context, cfg config.LLMConfig) ([]llm.Provider, error) {
	if len(cfg.Providers) == 0 {
		return []llm.Provider{providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey: os.Getenv("OPENAI_API_KEY"),
		})}, nil
	}

	ids := make([]string, 0, len(cfg.Providers))
	for id := range cfg.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]llm.Provider, 0, len(ids))
	for _, id := range ids {
		p, err := newChatProvider(ctx, strings.ToLower(id), cfg.Providers[id])
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func newChatProvider(ctx context.Context, id string, pc config.LLMProviderConfig) (llm.Provider, error) {
	var (
		p   llm.Provider
		err error
	)
	switch pc.ResolvedType(id) {
	case config.ProviderOpenAI:
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Name:    id,
		}), nil
	case config.ProviderOllama:
		p = providers.NewOllamaProvider(providers.OllamaConfig{BaseURL: pc.BaseURL, Timeout: pc.Timeout})
	case config.ProviderGemini:
		if pc.APIKey == "" {
			return nil, fmt.Errorf("gemini api key is required")
		}
		p, err = providers.NewGeminiProvider(ctx, providers.GeminiConfig{
			APIKey:          pc.APIKey,
			BaseURL:         pc.BaseURL,
			IncludeThoughts: pc.IncludeThoughts,
		})
	case config.ProviderAnthropic:
		if pc.APIKey == "" {
			return nil, fmt.Errorf("anthropic api key is required")
		}
		p, err = providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:           pc.APIKey,
			BaseURL:          pc.BaseURL,
			DefaultMaxTokens: pc.DefaultMaxTokens,
		})
	case config.ProviderBedrock:
		p, err = providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:          pc.Region,
			AccessKeyID:     pc.AccessKeyID,
			SecretAccessKey: pc.SecretAccessKey,
			SessionToken:    pc.SessionToken,
		})
	default:
		return nil, fmt.Errorf("unsupported provider type %q", pc.Type)
	}
	if err != nil {
		return nil, err
	}
	if p.Name() != id {
		p = named{Provider: p, id: id}
	}
	return p, nil
}

// newEmbedder builds the embedding provider serving model. Models missing
// from the configured list are served by the local endpoint.
func newEmbedder(ctx context.Context, cfg embeddings.Config, model string, dim int) (embeddings.Provider, error) {
	switch strings.ToLower(cfg.ProviderFor(model)) {
	case "", config.ProviderOllama:
		return ollama.New(ollama.Config{
			BaseURL:     cfg.Ollama.BaseURL,
			Model:       model,
			Dimension:   dim,
			Concurrency: cfg.Concurrency,
		})
	case config.ProviderOpenAI:
		return openai.New(openai.Config{
			APIKey:    cfg.OpenAI.APIKey,
			BaseURL:   cfg.OpenAI.BaseURL,
			Model:     model,
			Dimension: dim,
		})
	case config.ProviderGemini:
		return gemini.New(ctx, gemini.Config{
			APIKey:      cfg.Gemini.APIKey,
			BaseURL:     cfg.Gemini.BaseURL,
			Model:       model,
			Dimension:   dim,
			Concurrency: cfg.Concurrency,
		})
	}
	return nil, fmt.Errorf("unsupported embedding provider %q for %s", cfg.ProviderFor(model), model)
}
