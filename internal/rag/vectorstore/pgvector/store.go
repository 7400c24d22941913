// Package pgvector provides a vector store backed by PostgreSQL with the
// pgvector extension.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/ragbench/internal/rag/chunker"
	"github.com/haasonsaas/ragbench/internal/rag/embeddings"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// MaxIndexedDimension is the largest dimension pgvector can build an HNSW
// index for. Larger vectors are searched with an exact scan.
const MaxIndexedDimension = 2000

// Config contains configuration for the pgvector store.
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	// Schema holds the knowledge tables. Empty derives one from the
	// embedding model so stores for different models do not collide.
	Schema string `yaml:"schema"`

	// MaxOpenConns bounds the connection pool.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`

	// DB is an existing connection to reuse. The store will not close it.
	DB *sql.DB `yaml:"-"`
}

// Store implements vectorstore.Store using pgvector.
type Store struct {
	cfg       Config
	db        *sql.DB
	ownsDB    bool
	schema    string
	embedder  embeddings.Provider
	chunker   *chunker.Adaptive
	dimension int
	logger    *slog.Logger
}

var (
	_ vectorstore.Store         = (*Store)(nil)
	_ vectorstore.StatsReporter = (*Store)(nil)
)

// New creates an uninitialized pgvector store. Call Init before use.
func New(cfg Config, embedder embeddings.Provider, chunk *chunker.Adaptive, logger *slog.Logger) *Store {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if chunk == nil {
		chunk = chunker.New(chunker.Config{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	schema := cfg.Schema
	if schema == "" {
		schema = SchemaName(embedder.Model())
	}
	return &Store{
		cfg:       cfg,
		schema:    schema,
		embedder:  embedder,
		chunker:   chunk,
		dimension: embedder.Dimension(),
		logger:    logger.With("component", "pgvector", "schema", schema),
	}
}

var unsafeIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// SchemaName derives a PostgreSQL schema name from an embedding model name.
func SchemaName(model string) string {
	name := "kb_" + strings.Trim(unsafeIdent.ReplaceAllString(strings.ToLower(model), "_"), "_")
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// Init opens the connection pool and verifies connectivity.
func (s *Store) Init(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	if s.cfg.DB != nil {
		s.db = s.cfg.DB
		return nil
	}
	if s.cfg.DSN == "" {
		return fmt.Errorf("pgvector: dsn is required")
	}

	db, err := sql.Open("postgres", s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.ownsDB = true
	return nil
}

// Migrate drops and recreates the knowledge tables for the configured
// dimension.
func (s *Store) Migrate(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("pgvector: store not initialized")
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.schema),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table("knowledge_chunks")),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table("knowledge_files")),
		fmt.Sprintf(`CREATE TABLE %s (
			id UUID PRIMARY KEY,
			file_name TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table("knowledge_files")),
		fmt.Sprintf(`CREATE TABLE %s (
			id UUID PRIMARY KEY,
			file_id UUID NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			chunk_index INT NOT NULL,
			chunk_text TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL
		)`, s.table("knowledge_chunks"), s.table("knowledge_files"), s.dimension),
		fmt.Sprintf(`CREATE INDEX knowledge_chunks_file_idx ON %s (file_id)`, s.table("knowledge_chunks")),
	}
	if s.dimension <= MaxIndexedDimension {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX knowledge_chunks_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`,
			s.table("knowledge_chunks")))
	} else {
		s.logger.Warn("embedding dimension exceeds hnsw limit, queries will use exact scan",
			"dimension", s.dimension, "limit", MaxIndexedDimension)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.schema, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	s.logger.Info("schema recreated", "dimension", s.dimension)
	return nil
}

// Seed chunks and embeds every eligible file in dir. A file whose
// embedding fails is skipped; database errors abort the seed.
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

		vecs, err := s.embedder.EmbedMany(ctx, chunks, embeddings.TaskSearchDocument)
		if err != nil {
			s.logger.Warn("skipping file, embedding failed", "file", file.Name, "error", err)
			report.Skipped = append(report.Skipped, file.Name)
			continue
		}

		if err := s.storeFile(ctx, file, chunks, vecs); err != nil {
			return report, err
		}
		report.Files++
		report.Chunks += len(chunks)
		s.logger.Info("seeded file", "file", file.Name, "chunks", len(chunks))
	}

	return report, nil
}

func (s *Store) storeFile(ctx context.Context, file vectorstore.KnowledgeFile, chunks []string, vecs [][]float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var fileID string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, file_name, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (file_name) DO UPDATE SET content = EXCLUDED.content
		RETURNING id
	`, s.table("knowledge_files")), uuid.NewString(), file.Name, file.Content).Scan(&fileID)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", file.Name, err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE file_id = $1`, s.table("knowledge_chunks")), fileID); err != nil {
		return fmt.Errorf("delete existing chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, file_id, chunk_index, chunk_text, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6::vector)
	`, s.table("knowledge_chunks")))
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for i, text := range chunks {
		if err := s.validateEmbedding(vecs[i]); err != nil {
			return fmt.Errorf("chunk %d of %s: %w", i+1, file.Name, err)
		}
		meta, err := json.Marshal(map[string]any{
			vectorstore.MetaSource:     file.Name,
			vectorstore.MetaChunkIndex: i + 1,
			vectorstore.MetaFileID:     fileID,
		})
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), fileID, i+1, text, string(meta), encodeEmbedding(vecs[i])); err != nil {
			return fmt.Errorf("insert chunk %d of %s: %w", i+1, file.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit file %s: %w", file.Name, err)
	}
	return nil
}

// QueryDocuments embeds the query and returns the nearest chunks by cosine distance.
func (s *Store) QueryDocuments(ctx context.Context, query string, topK int) ([]vectorstore.Document, error) {
	if topK <= 0 {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, query, embeddings.TaskSearchQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := s.validateEmbedding(vec); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.id, c.chunk_text, c.metadata, f.file_name,
			1 - (c.embedding <=> $1::vector) AS similarity
		FROM %s c
		JOIN %s f ON f.id = c.file_id
		ORDER BY c.embedding <=> $1::vector ASC
		LIMIT $2
	`, s.table("knowledge_chunks"), s.table("knowledge_files")), encodeEmbedding(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var docs []vectorstore.Document
	for rows.Next() {
		var (
			doc        vectorstore.Document
			metaJSON   []byte
			fileName   string
			similarity float64
		)
		if err := rows.Scan(&doc.ID, &doc.Content, &metaJSON, &fileName, &similarity); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		doc.Metadata = map[string]any{}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &doc.Metadata); err != nil {
				return nil, fmt.Errorf("decode chunk metadata: %w", err)
			}
		}
		if _, ok := doc.Metadata[vectorstore.MetaSource]; !ok {
			doc.Metadata[vectorstore.MetaSource] = fileName
		}
		doc.Similarity = vectorstore.Float(similarity)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search rows: %w", err)
	}
	return docs, nil
}

// AddDocuments appends documents as chunks of the file named by their
// source metadata, creating the file row when needed.
func (s *Store) AddDocuments(ctx context.Context, docs []vectorstore.Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := s.embedder.EmbedMany(ctx, texts, embeddings.TaskSearchDocument)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, doc := range docs {
		if err := s.validateEmbedding(vecs[i]); err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
		source := doc.Source()
		if source == "" {
			source = "manual"
		}

		var fileID string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, file_name, content)
			VALUES ($1, $2, '')
			ON CONFLICT (file_name) DO UPDATE SET file_name = EXCLUDED.file_name
			RETURNING id
		`, s.table("knowledge_files")), uuid.NewString(), source).Scan(&fileID)
		if err != nil {
			return fmt.Errorf("upsert file %s: %w", source, err)
		}

		var index int
		err = tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT COALESCE(MAX(chunk_index), 0) + 1 FROM %s WHERE file_id = $1`,
			s.table("knowledge_chunks")), fileID).Scan(&index)
		if err != nil {
			return fmt.Errorf("next chunk index: %w", err)
		}

		meta := make(map[string]any, len(doc.Metadata)+3)
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		meta[vectorstore.MetaSource] = source
		meta[vectorstore.MetaChunkIndex] = index
		meta[vectorstore.MetaFileID] = fileID
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}

		id := doc.ID
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, file_id, chunk_index, chunk_text, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5, $6::vector)
		`, s.table("knowledge_chunks")), id, fileID, index, doc.Content, string(metaJSON), encodeEmbedding(vecs[i])); err != nil {
			return fmt.Errorf("insert document %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Stats counts stored files and chunks.
func (s *Store) Stats(ctx context.Context) (vectorstore.Stats, error) {
	stats := vectorstore.Stats{Location: s.schema, Dimension: s.dimension}
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT (SELECT COUNT(*) FROM %s), (SELECT COUNT(*) FROM %s)`,
		s.table("knowledge_files"), s.table("knowledge_chunks"))).Scan(&stats.Files, &stats.Chunks)
	if err != nil {
		return stats, fmt.Errorf("count knowledge rows: %w", err)
	}
	return stats, nil
}

// Capabilities reports that pgvector supports incremental adds and real similarity.
func (s *Store) Capabilities() vectorstore.Capabilities {
	return vectorstore.Capabilities{SupportsIncrementalAdd: true, NativeSimilarity: true}
}

// Close closes the pool when the store opened it.
func (s *Store) Close() error {
	if s.db != nil && s.ownsDB {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

func (s *Store) validateEmbedding(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding is empty")
	}
	if s.dimension > 0 && len(embedding) != s.dimension {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.dimension)
	}
	for _, v := range embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("embedding contains invalid values")
		}
	}
	return nil
}

func encodeEmbedding(embedding []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
