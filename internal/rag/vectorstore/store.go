// Package vectorstore defines the storage contract shared by the retrieval
// backends and the registry that caches one initialized store per backend and
// embedding model.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotSupported is returned by optional operations a backend does not implement.
	ErrNotSupported = errors.New("operation not supported by this backend")

	// ErrMigrationNotConfirmed is returned when a destructive migration is
	// requested without confirmation.
	ErrMigrationNotConfirmed = errors.New("migration drops all stored data and was not confirmed")

	// ErrUnknownBackend is returned for backend names that do not map to a Backend.
	ErrUnknownBackend = errors.New("unknown vector store backend")
)

// Backend identifies a vector store implementation.
type Backend int

const (
	BackendPgvector Backend = iota + 1
	BackendChromem
	BackendFileSearch
)

var backendNames = map[Backend]string{
	BackendPgvector:   "pgvector",
	BackendChromem:    "chromem",
	BackendFileSearch: "filesearch",
}

// Backends lists every compiled-in backend.
func Backends() []Backend {
	return []Backend{BackendPgvector, BackendChromem, BackendFileSearch}
}

func (b Backend) String() string {
	if name, ok := backendNames[b]; ok {
		return name
	}
	return fmt.Sprintf("backend(%d)", int(b))
}

// ParseBackend maps a configuration name to a Backend. A few aliases used
// by older configs are accepted.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pgvector", "postgres", "postgresql":
		return BackendPgvector, nil
	case "chromem", "chroma", "embedded":
		return BackendChromem, nil
	case "filesearch", "file_search", "google", "gemini":
		return BackendFileSearch, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
}

// MarshalText implements encoding.TextMarshaler.
func (b Backend) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Backend) UnmarshalText(text []byte) error {
	parsed, err := ParseBackend(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Capabilities describes optional behavior so callers can branch on what a
// store can do instead of which backend it is.
type Capabilities struct {
	// SupportsIncrementalAdd is true when AddDocuments is implemented.
	SupportsIncrementalAdd bool
	// NativeSimilarity is true when query results carry a real cosine
	// similarity rather than a placeholder.
	NativeSimilarity bool
}

// Document is a retrievable chunk. Similarity is only set on query results.
type Document struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Similarity *float64       `json:"similarity,omitempty"`
}

// Metadata keys written by every backend during Seed.
const (
	MetaSource     = "source"
	MetaChunkIndex = "chunk_index"
	MetaFileID     = "file_id"
)

// Score returns the similarity or 0 when unset.
func (d Document) Score() float64 {
	if d.Similarity == nil {
		return 0
	}
	return *d.Similarity
}

// Source returns the source file name recorded in metadata.
func (d Document) Source() string {
	if s, ok := d.Metadata[MetaSource].(string); ok {
		return s
	}
	return ""
}

// SeedReport summarizes a Seed call.
type SeedReport struct {
	Files   int      `json:"files"`
	Chunks  int      `json:"chunks"`
	Skipped []string `json:"skipped,omitempty"`
}

// Store is the contract every vector store backend implements.
type Store interface {
	// Init establishes connectivity. It fails fast when required
	// configuration is missing.
	Init(ctx context.Context) error

	// Migrate drops and recreates the schema, collection or remote store.
	// All stored data is lost.
	Migrate(ctx context.Context) error

	// Seed chunks, embeds and persists every eligible file in dir.
	Seed(ctx context.Context, dir string) (SeedReport, error)

	// QueryDocuments returns up to topK documents ordered by descending similarity.
	QueryDocuments(ctx context.Context, query string, topK int) ([]Document, error)

	// AddDocuments ingests documents incrementally. Backends without
	// incremental ingestion return ErrNotSupported.
	AddDocuments(ctx context.Context, docs []Document) error

	// Capabilities reports optional behavior.
	Capabilities() Capabilities

	// Close releases resources.
	Close() error
}

// Stats describes stored content.
type Stats struct {
	Location  string `json:"location"`
	Files     int64  `json:"files"`
	Chunks    int64  `json:"chunks"`
	Dimension int    `json:"dimension,omitempty"`
}

// StatsReporter is implemented by stores that can describe their contents.
type StatsReporter interface {
	Stats(ctx context.Context) (Stats, error)
}

// SimilarityFromDistance converts a cosine distance in [0, 2] to a
// similarity in [-1, 1].
func SimilarityFromDistance(distance float64) float64 {
	return 1 - distance
}

// Float returns a pointer to v, for Document.Similarity.
func Float(v float64) *float64 {
	return &v
}
