package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory constructs an uninitialized store for one embedding model.
type Factory func(ctx context.Context, embeddingModel string) (Store, error)

// Key identifies a cached store.
type Key struct {
	Backend        Backend
	EmbeddingModel string
}

func (k Key) String() string {
	return k.Backend.String() + "/" + k.EmbeddingModel
}

// Registry resolves (backend, embedding model) pairs to initialized stores.
// Factories run lazily on first use, so unused backends are never built.
type Registry struct {
	mu        sync.Mutex
	factories map[Backend]Factory
	stores    map[Key]Store
	logger    *slog.Logger
}

// NewRegistry creates a registry with the given factories.
func NewRegistry(factories map[Backend]Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		factories: make(map[Backend]Factory, len(factories)),
		stores:    make(map[Key]Store),
		logger:    logger.With("component", "vectorstore"),
	}
	for b, f := range factories {
		r.factories[b] = f
	}
	return r
}

// Register adds or replaces the factory for a backend.
func (r *Registry) Register(b Backend, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[b] = f
}

// Get returns the cached store for the key, creating and initializing it on
// first use. Init runs exactly once per cached instance; a failed Init is
// not cached.
func (r *Registry) Get(ctx context.Context, b Backend, embeddingModel string) (Store, error) {
	key := Key{Backend: b, EmbeddingModel: embeddingModel}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[key]; ok {
		return s, nil
	}

	factory, ok := r.factories[b]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, b)
	}
	s, err := factory(ctx, embeddingModel)
	if err != nil {
		return nil, fmt.Errorf("create %s store: %w", key, err)
	}
	if err := s.Init(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("init %s store: %w", key, err)
	}

	r.stores[key] = s
	r.logger.Info("vector store ready", "backend", b.String(), "embedding_model", embeddingModel)
	return s, nil
}

// Migrate drops and recreates the store for the key. Every backend follows
// the same policy: without force the call is refused.
func (r *Registry) Migrate(ctx context.Context, b Backend, embeddingModel string, force bool) error {
	if !force {
		return ErrMigrationNotConfirmed
	}
	s, err := r.Get(ctx, b, embeddingModel)
	if err != nil {
		return err
	}
	r.logger.Warn("migrating vector store, existing data will be dropped",
		"backend", b.String(), "embedding_model", embeddingModel)
	return s.Migrate(ctx)
}

// Keys returns the cached keys in a stable order.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.stores))
	for k := range r.stores {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Close closes every cached store and empties the cache.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	r.stores = make(map[Key]Store)
	return errors.Join(errs...)
}
