// Package chromem provides an embedded vector store backed by chromem-go.
// Each embedding model gets its own collection, persisted on local disk.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/haasonsaas/ragbench/internal/rag/chunker"
	"github.com/haasonsaas/ragbench/internal/rag/embeddings"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore"
	chromem "github.com/philippgille/chromem-go"
)

// Config contains configuration for the chromem store.
type Config struct {
	// Path is the persistence directory. Empty keeps the collection in memory.
	Path string `yaml:"path"`

	// Compress gzips persisted documents.
	Compress bool `yaml:"compress"`

	// BatchSize is the number of chunks embedded per EmbedMany call.
	// Default: 32
	BatchSize int `yaml:"batch_size"`

	// Concurrency is passed to chromem when adding documents.
	// Default: 4
	Concurrency int `yaml:"concurrency"`
}

// Store implements vectorstore.Store on a chromem collection.
type Store struct {
	cfg        Config
	db         *chromem.DB
	collection *chromem.Collection
	name       string
	embedder   embeddings.Provider
	chunker    *chunker.Adaptive
	logger     *slog.Logger
}

var (
	_ vectorstore.Store         = (*Store)(nil)
	_ vectorstore.StatsReporter = (*Store)(nil)
)

// New creates an uninitialized chromem store. Call Init before use.
func New(cfg Config, embedder embeddings.Provider, chunk *chunker.Adaptive, logger *slog.Logger) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if chunk == nil {
		chunk = chunker.New(chunker.Config{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	name := CollectionName(embedder.Model())
	return &Store{
		cfg:      cfg,
		name:     name,
		embedder: embedder,
		chunker:  chunk,
		logger:   logger.With("component", "chromem", "collection", name),
	}
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// CollectionName derives the collection name for an embedding model.
func CollectionName(model string) string {
	return "knowledge_" + strings.Trim(unsafeName.ReplaceAllString(model, "_"), "_")
}

// Init opens the database and the model's collection.
func (s *Store) Init(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	if s.cfg.Path == "" {
		s.db = chromem.NewDB()
	} else {
		db, err := chromem.NewPersistentDB(s.cfg.Path, s.cfg.Compress)
		if err != nil {
			return fmt.Errorf("open chromem db at %s: %w", s.cfg.Path, err)
		}
		s.db = db
	}

	col, err := s.db.GetOrCreateCollection(s.name, s.collectionMetadata(), s.embedFunc())
	if err != nil {
		return fmt.Errorf("open collection %s: %w", s.name, err)
	}
	s.collection = col
	return nil
}

func (s *Store) collectionMetadata() map[string]string {
	return map[string]string{
		"space":           "cosine",
		"embedding_model": s.embedder.Model(),
		"dimension":       strconv.Itoa(s.embedder.Dimension()),
	}
}

// embedFunc is only consulted by chromem for documents added without a
// vector. Queries always pass their own query-task vector.
func (s *Store) embedFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text, embeddings.TaskSearchDocument)
	}
}

// Migrate deletes and recreates the collection.
func (s *Store) Migrate(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("chromem: store not initialized")
	}
	if err := s.db.DeleteCollection(s.name); err != nil {
		return fmt.Errorf("delete collection %s: %w", s.name, err)
	}
	col, err := s.db.CreateCollection(s.name, s.collectionMetadata(), s.embedFunc())
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.name, err)
	}
	s.collection = col
	s.logger.Info("collection recreated")
	return nil
}

// Seed chunks, embeds and stores every eligible file in dir. Chunks from a
// previous seed of the same file are replaced.
func (s *Store) Seed(ctx context.Context, dir string) (vectorstore.SeedReport, error) {
	var report vectorstore.SeedReport

	files, err := vectorstore.ReadKnowledgeFiles(dir)
	if err != nil {
		return report, err
	}

	for _, file := range files {
		chunks := s.chunker.Chunk(file.Content)
		if len(chunks) == 0 {
			report.Skipped = append(report.Skipped, file.Name)
			continue
		}

		vecs, err := s.embedBatches(ctx, chunks)
		if err != nil {
			s.logger.Warn("skipping file, embedding failed", "file", file.Name, "error", err)
			report.Skipped = append(report.Skipped, file.Name)
			continue
		}

		if err := s.collection.Delete(ctx, map[string]string{vectorstore.MetaSource: file.Name}, nil); err != nil {
			return report, fmt.Errorf("remove previous chunks of %s: %w", file.Name, err)
		}

		fileID := uuid.NewString()
		docs := make([]chromem.Document, len(chunks))
		for i, text := range chunks {
			docs[i] = chromem.Document{
				ID:        fmt.Sprintf("%s#%d", file.Name, i+1),
				Content:   text,
				Embedding: vecs[i],
				Metadata: map[string]string{
					vectorstore.MetaSource:     file.Name,
					vectorstore.MetaChunkIndex: strconv.Itoa(i + 1),
					vectorstore.MetaFileID:     fileID,
				},
			}
		}
		if err := s.collection.AddDocuments(ctx, docs, s.cfg.Concurrency); err != nil {
			return report, fmt.Errorf("add chunks of %s: %w", file.Name, err)
		}

		report.Files++
		report.Chunks += len(chunks)
		s.logger.Info("seeded file", "file", file.Name, "chunks", len(chunks))
	}

	return report, nil
}

func (s *Store) embedBatches(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(texts))
		vecs, err := s.embedder.EmbedMany(ctx, texts[start:end], embeddings.TaskSearchDocument)
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// QueryDocuments embeds the query with the query task and searches the
// collection. The result count is clamped to the collection size.
func (s *Store) QueryDocuments(ctx context.Context, query string, topK int) ([]vectorstore.Document, error) {
	n := min(topK, s.collection.Count())
	if n <= 0 {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, query, embeddings.TaskSearchQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := s.collection.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	docs := make([]vectorstore.Document, 0, len(results))
	for _, r := range results {
		meta := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		if idx, err := strconv.Atoi(r.Metadata[vectorstore.MetaChunkIndex]); err == nil {
			meta[vectorstore.MetaChunkIndex] = idx
		}
		// chromem reports cosine similarity directly, which is 1 - cosine distance.
		docs = append(docs, vectorstore.Document{
			ID:         r.ID,
			Content:    r.Content,
			Metadata:   meta,
			Similarity: vectorstore.Float(float64(r.Similarity)),
		})
	}
	return docs, nil
}

// AddDocuments embeds and stores documents. Metadata values are stored as strings.
func (s *Store) AddDocuments(ctx context.Context, docs []vectorstore.Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := s.embedBatches(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}

	out := make([]chromem.Document, len(docs))
	for i, d := range docs {
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		meta := make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			meta[k] = fmt.Sprint(v)
		}
		if meta[vectorstore.MetaSource] == "" {
			meta[vectorstore.MetaSource] = "manual"
		}
		out[i] = chromem.Document{ID: id, Content: d.Content, Embedding: vecs[i], Metadata: meta}
	}
	if err := s.collection.AddDocuments(ctx, out, s.cfg.Concurrency); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

// Stats reports the number of stored chunks.
func (s *Store) Stats(context.Context) (vectorstore.Stats, error) {
	if s.collection == nil {
		return vectorstore.Stats{}, errors.New("chromem: store not initialized")
	}
	location := s.cfg.Path
	if location == "" {
		location = "memory"
	}
	return vectorstore.Stats{
		Location:  location + "/" + s.name,
		Chunks:    int64(s.collection.Count()),
		Dimension: s.embedder.Dimension(),
	}, nil
}

// Capabilities reports incremental adds and native cosine similarity.
func (s *Store) Capabilities() vectorstore.Capabilities {
	return vectorstore.Capabilities{SupportsIncrementalAdd: true, NativeSimilarity: true}
}

// Close drops the in-process handles. Persisted data stays on disk.
func (s *Store) Close() error {
	s.collection = nil
	s.db = nil
	return nil
}
