package embeddings

import (
	"log/slog"
	"sync"
)

// DefaultDimension is assumed for models nobody registered.
const DefaultDimension = 768

var builtinDimensions = map[string]int{
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
	"bge-m3":                 1024,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"text-embedding-004":     768,
	"gemini-embedding-001":   3072,
}

// Dimensions resolves model names to vector dimensions. Configured models
// take precedence over the built-in table.
type Dimensions struct {
	known    map[string]int
	fallback int
	logger   *slog.Logger

	mu     sync.Mutex
	warned map[string]bool
}

// NewDimensions creates a resolver from the configured model list.
func NewDimensions(cfg Config, logger *slog.Logger) *Dimensions {
	if logger == nil {
		logger = slog.Default()
	}
	fallback := cfg.DefaultDimension
	if fallback <= 0 {
		fallback = DefaultDimension
	}
	known := make(map[string]int, len(builtinDimensions)+len(cfg.Models))
	for name, dim := range builtinDimensions {
		known[name] = dim
	}
	for _, m := range cfg.Models {
		if m.Dimension > 0 {
			known[m.Name] = m.Dimension
		}
	}
	return &Dimensions{
		known:    known,
		fallback: fallback,
		logger:   logger.With("component", "embeddings"),
		warned:   map[string]bool{},
	}
}

// Resolve returns the dimension for model. Unknown models get the default
// dimension and a one-time warning.
func (d *Dimensions) Resolve(model string) int {
	if dim, ok := d.known[model]; ok {
		return dim
	}
	d.mu.Lock()
	if !d.warned[model] {
		d.warned[model] = true
		d.logger.Warn("unknown embedding model, using default dimension",
			"model", model, "dimension", d.fallback)
	}
	d.mu.Unlock()
	return d.fallback
}

// Known reports whether model has a registered dimension.
func (d *Dimensions) Known(model string) bool {
	_, ok := d.known[model]
	return ok
}

// ProviderFor returns the configured provider name for model, or "" when the
// model is not listed.
func (c Config) ProviderFor(model string) string {
	for _, m := range c.Models {
		if m.Name == model {
			return m.Provider
		}
	}
	return ""
}
