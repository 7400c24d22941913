package pgvector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/haasonsaas/ragbench/internal/rag/embeddings"
)

type fakeEmbedder struct {
	dim   int
	err   error
	tasks []embeddings.Task
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string, task embeddings.Task) ([]float32, error) {
	f.tasks = append(f.tasks, task)
	if f.err != nil {
		return nil, f.err
	}
	vec := make([]float32, f.dim)
	vec[0] = 1
	return vec, nil
}

func (f *fakeEmbedder) EmbedMany(ctx context.Context, texts []string, task embeddings.Task) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := f.Embed(ctx, text, task)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Name() string   { return "fake" }
func (f *fakeEmbedder) Model() string  { return "test" }
func (f *fakeEmbedder) Dimension() int { return f.dim }

// setupMockStore creates a store wired to a sqlmock connection.
func setupMockStore(t *testing.T, dim int) (*Store, sqlmock.Sqlmock, *fakeEmbedder) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	emb := &fakeEmbedder{dim: dim}
	s := New(Config{DB: db}, emb, nil, nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	return s, mock, emb
}

func TestSchemaName(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"nomic-embed-text", "kb_nomic_embed_text"},
		{"text-embedding-3-small", "kb_text_embedding_3_small"},
		{"BGE-M3:latest", "kb_bge_m3_latest"},
		{strings.Repeat("x", 80), "kb_" + strings.Repeat("x", 60)},
	}
	for _, tt := range tests {
		if got := SchemaName(tt.model); got != tt.want {
			t.Errorf("SchemaName(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestInitRequiresDSN(t *testing.T) {
	s := New(Config{}, &fakeEmbedder{dim: 3}, nil, nil)
	if err := s.Init(context.Background()); err == nil {
		t.Fatal("expected error without DSN")
	}
}

func TestMigrate(t *testing.T) {
	tests := []struct {
		name      string
		dim       int
		wantIndex bool
	}{
		{name: "indexed dimension", dim: 768, wantIndex: true},
		{name: "limit dimension", dim: 2000, wantIndex: true},
		{name: "exact scan dimension", dim: 3072, wantIndex: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock, _ := setupMockStore(t, tt.dim)
			ok := sqlmock.NewResult(0, 0)

			mock.ExpectBegin()
			mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS vector").WillReturnResult(ok)
			mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS kb_test").WillReturnResult(ok)
			mock.ExpectExec("DROP TABLE IF EXISTS kb_test.knowledge_chunks").WillReturnResult(ok)
			mock.ExpectExec("DROP TABLE IF EXISTS kb_test.knowledge_files").WillReturnResult(ok)
			mock.ExpectExec("CREATE TABLE kb_test.knowledge_files").WillReturnResult(ok)
			mock.ExpectExec("CREATE TABLE kb_test.knowledge_chunks").WillReturnResult(ok)
			mock.ExpectExec("CREATE INDEX knowledge_chunks_file_idx").WillReturnResult(ok)
			if tt.wantIndex {
				mock.ExpectExec("USING hnsw").WillReturnResult(ok)
			}
			mock.ExpectCommit()

			if err := s.Migrate(context.Background()); err != nil {
				t.Fatalf("Migrate error: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestMigrateRollsBackOnError(t *testing.T) {
	s, mock, _ := setupMockStore(t, 3)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE EXTENSION").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := s.Migrate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("err = %v, want permission denied", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestQueryDocuments(t *testing.T) {
	s, mock, emb := setupMockStore(t, 3)

	rows := sqlmock.NewRows([]string{"id", "chunk_text", "metadata", "file_name", "similarity"}).
		AddRow("c1", "Warehouse seven stores frozen goods.", []byte(`{"source":"stock.md","chunk_index":1}`), "stock.md", 0.92).
		AddRow("c2", "Dairy arrives on Tuesdays.", []byte(`{}`), "schedule.md", 0.41)
	mock.ExpectQuery("SELECT c.id, c.chunk_text").
		WithArgs("[1,0,0]", 2).
		WillReturnRows(rows)

	docs, err := s.QueryDocuments(context.Background(), "where are frozen goods", 2)
	if err != nil {
		t.Fatalf("QueryDocuments error: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}
	if docs[0].ID != "c1" || docs[0].Score() != 0.92 {
		t.Errorf("docs[0] = %+v", docs[0])
	}
	if docs[1].Source() != "schedule.md" {
		t.Errorf("source fallback = %q, want schedule.md", docs[1].Source())
	}
	if emb.tasks[0] != embeddings.TaskSearchQuery {
		t.Errorf("query embedded with task %q", emb.tasks[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestQueryDocumentsDimensionMismatch(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	emb := &fakeEmbedder{dim: 3}
	s := New(Config{DB: db}, emb, nil, nil)
	_ = s.Init(context.Background())
	s.dimension = 4

	if _, err := s.QueryDocuments(context.Background(), "q", 3); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestSeed(t *testing.T) {
	s, mock, emb := setupMockStore(t, 3)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stock.md"), []byte("Warehouse seven stores frozen goods and dairy."), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty.txt"), []byte("tiny"), 0o644); err != nil {
		t.Fatal(err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO kb_test.knowledge_files").
		WithArgs(sqlmock.AnyArg(), "stock.md", "Warehouse seven stores frozen goods and dairy.").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("file-1"))
	mock.ExpectExec("DELETE FROM kb_test.knowledge_chunks").
		WithArgs("file-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare("INSERT INTO kb_test.knowledge_chunks")
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "file-1", 1, "Warehouse seven stores frozen goods and dairy.", sqlmock.AnyArg(), "[1,0,0]").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	report, err := s.Seed(context.Background(), dir)
	if err != nil {
		t.Fatalf("Seed error: %v", err)
	}
	if report.Files != 1 || report.Chunks != 1 {
		t.Errorf("report = %+v, want 1 file 1 chunk", report)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "empty.txt" {
		t.Errorf("skipped = %v, want [empty.txt]", report.Skipped)
	}
	for _, task := range emb.tasks {
		if task != embeddings.TaskSearchDocument {
			t.Errorf("seed embedded with task %q", task)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSeedSkipsFileWhenEmbeddingFails(t *testing.T) {
	s, mock, emb := setupMockStore(t, 3)
	emb.err = errors.New("embedding service down")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("A sentence long enough to be a chunk."), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := s.Seed(context.Background(), dir)
	if err != nil {
		t.Fatalf("Seed error: %v", err)
	}
	if report.Files != 0 || len(report.Skipped) != 1 {
		t.Errorf("report = %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStats(t *testing.T) {
	s, mock, _ := setupMockStore(t, 3)
	mock.ExpectQuery("SELECT \\(SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"files", "chunks"}).AddRow(2, 17))

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if stats.Files != 2 || stats.Chunks != 17 || stats.Location != "kb_test" {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCapabilitiesAndClose(t *testing.T) {
	s, mock, _ := setupMockStore(t, 3)
	caps := s.Capabilities()
	if !caps.SupportsIncrementalAdd || !caps.NativeSimilarity {
		t.Errorf("caps = %+v", caps)
	}
	// A borrowed connection is left open.
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEncodeEmbedding(t *testing.T) {
	if got := encodeEmbedding([]float32{0.5, -1, 2.25}); got != "[0.5,-1,2.25]" {
		t.Errorf("encodeEmbedding() = %q", got)
	}
}
