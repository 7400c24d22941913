package chromem

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/ragbench/internal/rag/chunker"
	"github.com/haasonsaas/ragbench/internal/rag/embeddings"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore"
)

// bagEmbedder hashes words into a fixed number of buckets, so identical
// texts get identical vectors and shared words raise similarity.
type bagEmbedder struct {
	dim   int
	calls int
	fail  bool
}

func (b *bagEmbedder) Embed(_ context.Context, text string, _ embeddings.Task) ([]float32, error) {
	b.calls++
	if b.fail {
		return nil, errors.New("embedder offline")
	}
	vec := make([]float32, b.dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,;:!?")))
		vec[h.Sum32()%uint32(b.dim)]++
	}
	vec[0] += 0.01
	return vec, nil
}

func (b *bagEmbedder) EmbedMany(ctx context.Context, texts []string, task embeddings.Task) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := b.Embed(ctx, t, task)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (b *bagEmbedder) Name() string   { return "bag" }
func (b *bagEmbedder) Model() string  { return "bag-of-words:v1" }
func (b *bagEmbedder) Dimension() int { return b.dim }

var paragraphs = []string{
	"The cold storage facility in Rotterdam keeps frozen seafood at minus twenty degrees.",
	"Invoices are approved by the finance team every Friday afternoon before payroll.",
	"Forklift operators must renew their safety certification every two years.",
	"The customer portal supports exporting shipment history as spreadsheet files.",
}

func newTestStore(t *testing.T, emb *bagEmbedder, path string) *Store {
	t.Helper()
	s := New(Config{Path: path, BatchSize: 2}, emb, chunker.New(chunker.Config{}), nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	return s
}

func writeKnowledge(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := strings.Join(paragraphs, "\n\n")
	if err := os.WriteFile(filepath.Join(dir, "handbook.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestCollectionName(t *testing.T) {
	if got := CollectionName("nomic-embed-text:latest"); got != "knowledge_nomic-embed-text_latest" {
		t.Errorf("CollectionName() = %q", got)
	}
}

func TestSeedAndQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	emb := &bagEmbedder{dim: 64}
	s := newTestStore(t, emb, "")

	report, err := s.Seed(ctx, writeKnowledge(t))
	if err != nil {
		t.Fatalf("Seed error: %v", err)
	}
	if report.Files != 1 || report.Chunks != len(paragraphs) {
		t.Fatalf("report = %+v, want 1 file and %d chunks", report, len(paragraphs))
	}

	for i, p := range paragraphs {
		docs, err := s.QueryDocuments(ctx, p, 3)
		if err != nil {
			t.Fatalf("QueryDocuments error: %v", err)
		}
		if len(docs) != 3 {
			t.Fatalf("expected 3 docs, got %d", len(docs))
		}
		if docs[0].Content != p {
			t.Errorf("query %d: top result = %q, want the exact chunk", i, docs[0].Content)
		}
		for _, d := range docs[1:] {
			if d.Score() > docs[0].Score() {
				t.Errorf("distractor %q outranks exact match", d.Content)
			}
		}
		if docs[0].Source() != "handbook.md" {
			t.Errorf("source = %q", docs[0].Source())
		}
		if docs[0].Metadata[vectorstore.MetaChunkIndex] != i+1 {
			t.Errorf("chunk_index = %v, want %d", docs[0].Metadata[vectorstore.MetaChunkIndex], i+1)
		}
	}
}

func TestQueryClampsToCollectionSize(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, &bagEmbedder{dim: 32}, "")

	docs, err := s.QueryDocuments(ctx, "anything", 5)
	if err != nil || docs != nil {
		t.Fatalf("empty collection = %v, %v", docs, err)
	}

	if _, err := s.Seed(ctx, writeKnowledge(t)); err != nil {
		t.Fatal(err)
	}
	docs, err = s.QueryDocuments(ctx, "frozen seafood", 50)
	if err != nil {
		t.Fatalf("QueryDocuments error: %v", err)
	}
	if len(docs) != len(paragraphs) {
		t.Errorf("got %d docs, want %d", len(docs), len(paragraphs))
	}
}

func TestReseedReplacesChunks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, &bagEmbedder{dim: 32}, "")
	dir := writeKnowledge(t)

	for i := 0; i < 2; i++ {
		if _, err := s.Seed(ctx, dir); err != nil {
			t.Fatal(err)
		}
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Chunks != int64(len(paragraphs)) {
		t.Errorf("chunks = %d, want %d", stats.Chunks, len(paragraphs))
	}
}

func TestMigrateEmptiesCollection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, &bagEmbedder{dim: 32}, t.TempDir())
	if _, err := s.Seed(ctx, writeKnowledge(t)); err != nil {
		t.Fatal(err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate error: %v", err)
	}
	if n := s.collection.Count(); n != 0 {
		t.Errorf("count after migrate = %d, want 0", n)
	}
}

func TestSeedSkipsFileWhenEmbeddingFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, &bagEmbedder{dim: 32, fail: true}, "")

	report, err := s.Seed(ctx, writeKnowledge(t))
	if err != nil {
		t.Fatalf("Seed error: %v", err)
	}
	if report.Files != 0 || len(report.Skipped) != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestAddDocuments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, &bagEmbedder{dim: 32}, "")

	err := s.AddDocuments(ctx, []vectorstore.Document{
		{Content: "Night shift starts at ten in the evening.", Metadata: map[string]any{"team": 7}},
	})
	if err != nil {
		t.Fatalf("AddDocuments error: %v", err)
	}
	docs, err := s.QueryDocuments(ctx, "night shift", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].Metadata["team"] != "7" || docs[0].Source() != "manual" {
		t.Errorf("docs = %+v", docs)
	}
	if !s.Capabilities().SupportsIncrementalAdd {
		t.Error("chromem should support incremental add")
	}
}

func TestPersistentStoreReopens(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()
	emb := &bagEmbedder{dim: 32}

	first := newTestStore(t, emb, path)
	if _, err := first.Seed(ctx, writeKnowledge(t)); err != nil {
		t.Fatal(err)
	}
	_ = first.Close()

	second := newTestStore(t, emb, path)
	stats, err := second.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Chunks != int64(len(paragraphs)) {
		t.Errorf("reopened chunks = %d, want %d", stats.Chunks, len(paragraphs))
	}
}
