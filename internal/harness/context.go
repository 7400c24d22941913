// Package harness owns the long-lived clients a command needs: the vector
// store registry, cached embedding providers, the MCP tool pool, chat
// providers, the reranker and telemetry. One Context is built per process
// and closed on shutdown.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/ragbench/internal/config"
	"github.com/haasonsaas/ragbench/internal/llm"
	"github.com/haasonsaas/ragbench/internal/mcp"
	"github.com/haasonsaas/ragbench/internal/observability"
	"github.com/haasonsaas/ragbench/internal/rag/chunker"
	"github.com/haasonsaas/ragbench/internal/rag/embeddings"
	"github.com/haasonsaas/ragbench/internal/rag/rerank"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore/chromem"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore/filesearch"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore/pgvector"
	"github.com/haasonsaas/ragbench/internal/testrun"
)

// EmbedderFactory builds the embedding provider for a model.
type EmbedderFactory func(ctx context.Context, model string, dim int) (embeddings.Provider, error)

// Context is the explicit process context.
type Context struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	stores   *vectorstore.Registry
	tools    *mcp.Pool
	chat     *llm.Client
	reranker rerank.Reranker
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	chunk    *chunker.Adaptive
	dims     *embeddings.Dimensions

	newEmbedder EmbedderFactory
	mu          sync.Mutex
	embedders   map[string]embeddings.Provider

	shutdownTracer func(context.Context) error
}

// Option configures a Context.
type Option func(*options)

type options struct {
	factories   map[vectorstore.Backend]vectorstore.Factory
	providers   []llm.Provider
	embedder    EmbedderFactory
	poolOptions []mcp.PoolOption
	reranker    rerank.Reranker
}

// WithStoreFactory replaces the factory for one backend.
func WithStoreFactory(b vectorstore.Backend, f vectorstore.Factory) Option {
	return func(o *options) {
		if o.factories == nil {
			o.factories = map[vectorstore.Backend]vectorstore.Factory{}
		}
		o.factories[b] = f
	}
}

// WithChatProviders replaces the configured chat providers.
func WithChatProviders(p ...llm.Provider) Option {
	return func(o *options) { o.providers = p }
}

// WithEmbedderFactory replaces embedding provider construction.
func WithEmbedderFactory(f EmbedderFactory) Option {
	return func(o *options) { o.embedder = f }
}

// WithPoolOptions passes options to the MCP pool.
func WithPoolOptions(opts ...mcp.PoolOption) Option {
	return func(o *options) { o.poolOptions = append(o.poolOptions, opts...) }
}

// WithReranker replaces the configured reranker.
func WithReranker(r rerank.Reranker) Option {
	return func(o *options) { o.reranker = r }
}

// New builds a Context from configuration. Stores are created lazily on
// first use.
func New(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger, opts ...Option) (*Context, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	h := &Context{
		cfg:       cfg,
		version:   version,
		logger:    logger.With("component", "harness"),
		metrics:   observability.NewMetrics(),
		chunk:     chunker.New(cfg.Chunker),
		dims:      embeddings.NewDimensions(cfg.Embeddings, logger),
		embedders: map[string]embeddings.Provider{},
	}
	h.newEmbedder = o.embedder
	if h.newEmbedder == nil {
		h.newEmbedder = func(ctx context.Context, model string, dim int) (embeddings.Provider, error) {
			return newEmbedder(ctx, cfg.Embeddings, model, dim)
		}
	}

	traceCfg := cfg.Observability.Tracing
	traceCfg.ServiceVersion = version
	tracer, shutdown, err := observability.NewTracer(ctx, traceCfg)
	if err != nil {
		h.logger.Warn("tracing disabled", "error", err)
	}
	h.tracer, h.shutdownTracer = tracer, shutdown

	h.tools = mcp.NewPool(cfg.LLM.MCP, version, logger, o.poolOptions...)

	chatProviders := o.providers
	if chatProviders == nil {
		chatProviders, err = newChatProviders(ctx, cfg.LLM)
		if err != nil {
			h.closeQuietly(ctx)
			return nil, err
		}
	}
	h.chat = llm.NewClient(llm.MCPTools{Pool: h.tools}, logger, chatProviders...)

	h.reranker = o.reranker
	if h.reranker == nil && strings.TrimSpace(cfg.Rerank.BaseURL) != "" {
		client, err := rerank.New(cfg.Rerank)
		if err != nil {
			h.closeQuietly(ctx)
			return nil, err
		}
		h.reranker = client
	}

	factories := map[vectorstore.Backend]vectorstore.Factory{
		vectorstore.BackendPgvector:   h.pgvectorFactory,
		vectorstore.BackendChromem:    h.chromemFactory,
		vectorstore.BackendFileSearch: h.fileSearchFactory,
	}
	for b, f := range o.factories {
		factories[b] = f
	}
	h.stores = vectorstore.NewRegistry(factories, logger)
	return h, nil
}

func (h *Context) pgvectorFactory(ctx context.Context, model string) (vectorstore.Store, error) {
	emb, err := h.Embedder(ctx, model)
	if err != nil {
		return nil, err
	}
	return pgvector.New(h.cfg.VectorStore.Pgvector, emb, h.chunk, h.logger), nil
}

func (h *Context) chromemFactory(ctx context.Context, model string) (vectorstore.Store, error) {
	emb, err := h.Embedder(ctx, model)
	if err != nil {
		return nil, err
	}
	return chromem.New(h.cfg.VectorStore.Chromem, emb, h.chunk, h.logger), nil
}

// The hosted store embeds on the server side, so the model is not used.
func (h *Context) fileSearchFactory(_ context.Context, _ string) (vectorstore.Store, error) {
	return filesearch.New(h.cfg.VectorStore.FileSearch, h.logger), nil
}

// Embedder returns the cached provider for model, building it on first use.
// An empty model means the configured default.
func (h *Context) Embedder(ctx context.Context, model string) (embeddings.Provider, error) {
	if model == "" {
		model = h.cfg.Embeddings.DefaultModel
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.embedders[model]; ok {
		return p, nil
	}
	p, err := h.newEmbedder(ctx, model, h.dims.Resolve(model))
	if err != nil {
		return nil, fmt.Errorf("embedding provider for %s: %w", model, err)
	}
	h.embedders[model] = p
	return p, nil
}

// Config returns the configuration the context was built from.
func (h *Context) Config() *config.Config { return h.cfg }

// Stores returns the vector store registry.
func (h *Context) Stores() *vectorstore.Registry { return h.stores }

// Chat returns the chat client.
func (h *Context) Chat() *llm.Client { return h.chat }

// Reranker returns the reranker, or nil when none is configured.
func (h *Context) Reranker() rerank.Reranker { return h.reranker }

// Metrics returns the metrics collector.
func (h *Context) Metrics() *observability.Metrics { return h.metrics }

// Tracer returns the tracer. It is a no-op when tracing is disabled.
func (h *Context) Tracer() *observability.Tracer { return h.tracer }

// Chunker returns the shared chunker.
func (h *Context) Chunker() *chunker.Adaptive { return h.chunk }

// Store resolves the configured backend for the default embedding model.
func (h *Context) Store(ctx context.Context) (vectorstore.Store, vectorstore.Backend, error) {
	b, err := h.cfg.VectorStore.ParsedBackend()
	if err != nil {
		return nil, 0, err
	}
	if b == 0 {
		return nil, 0, errors.New("vector store backend is none")
	}
	s, err := h.stores.Get(ctx, b, h.cfg.Embeddings.DefaultModel)
	if err != nil {
		return nil, b, err
	}
	return s, b, nil
}

// Runner builds a test runner over this context.
func (h *Context) Runner(opts ...testrun.Option) (*testrun.Runner, error) {
	rc, err := h.cfg.RunConfig()
	if err != nil {
		return nil, err
	}
	if rc.Work.Model == "" || rc.Judge.Model == "" {
		return nil, errors.New("run.work.model and run.judge.model are required")
	}
	base := []testrun.Option{
		testrun.WithMetrics(h.metrics),
		testrun.WithTracer(h.tracer),
		testrun.WithLogger(h.logger),
	}
	if h.reranker != nil {
		base = append(base, testrun.WithReranker(h.reranker))
	}
	return testrun.New(rc, h.stores, h.chat, append(base, opts...)...), nil
}

// Close releases stores, tool clients and the trace exporter.
func (h *Context) Close(ctx context.Context) error {
	var errs []error
	if h.stores != nil {
		if err := h.stores.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stores: %w", err))
		}
	}
	if h.tools != nil {
		if err := h.tools.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mcp pool: %w", err))
		}
	}
	if h.shutdownTracer != nil {
		if err := h.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (h *Context) closeQuietly(ctx context.Context) {
	if err := h.Close(ctx); err != nil {
		h.logger.Warn("cleanup after failed init", "error", err)
	}
}
