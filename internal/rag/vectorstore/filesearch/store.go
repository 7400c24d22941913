// Package filesearch provides a hosted vector store on Gemini File Search
// stores. Files are uploaded whole and chunked remotely; queries run a
// grounded generation call and map the returned citations to documents.
package filesearch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/ragbench/internal/rag/vectorstore"
	"github.com/haasonsaas/ragbench/internal/retry"
	"google.golang.org/genai"
)

// Config contains configuration for the File Search backend.
type Config struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// StoreName is the display name of the remote store.
	// Default: ragbench-knowledge
	StoreName string `yaml:"store_name"`

	// Model runs the grounded query.
	// Default: gemini-2.5-flash
	Model string `yaml:"model"`

	// MetadataFile names the companion document whose file references are
	// rewritten when files are renamed for upload.
	// Default: metadata.json
	MetadataFile string `yaml:"metadata_file"`

	// UploadRetries is the number of retries per file after the first attempt.
	// Default: 2
	UploadRetries int `yaml:"upload_retries"`

	// RetryStep is the linear backoff step between upload attempts.
	// Default: 2s
	RetryStep time.Duration `yaml:"retry_step"`

	// PollInterval is the wait between upload operation polls.
	// Default: 2s
	PollInterval time.Duration `yaml:"poll_interval"`

	// UploadTimeout bounds the indexing wait per file.
	// Default: 5m
	UploadTimeout time.Duration `yaml:"upload_timeout"`

	// PlaceholderSimilarity is assigned to every returned citation.
	// Default: 1.0
	PlaceholderSimilarity float64 `yaml:"placeholder_similarity"`
}

func (c Config) withDefaults() Config {
	if c.StoreName == "" {
		c.StoreName = "ragbench-knowledge"
	}
	if c.Model == "" {
		c.Model = "gemini-2.5-flash"
	}
	if c.MetadataFile == "" {
		c.MetadataFile = "metadata.json"
	}
	if c.UploadRetries < 0 {
		c.UploadRetries = 0
	} else if c.UploadRetries == 0 {
		c.UploadRetries = 2
	}
	if c.RetryStep <= 0 {
		c.RetryStep = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 5 * time.Minute
	}
	if c.PlaceholderSimilarity == 0 {
		c.PlaceholderSimilarity = 1.0
	}
	return c
}

// Remote is the subset of the Gemini API the store uses.
type Remote interface {
	FindStore(ctx context.Context, displayName string) (*genai.FileSearchStore, error)
	CreateStore(ctx context.Context, displayName string) (*genai.FileSearchStore, error)
	GetStore(ctx context.Context, name string) (*genai.FileSearchStore, error)
	DeleteStore(ctx context.Context, name string) error
	Upload(ctx context.Context, r io.Reader, storeName string, cfg *genai.UploadToFileSearchStoreConfig) (*genai.UploadToFileSearchStoreOperation, error)
	PollUpload(ctx context.Context, op *genai.UploadToFileSearchStoreOperation) (*genai.UploadToFileSearchStoreOperation, error)
	Generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Store implements vectorstore.Store on a Gemini File Search store.
type Store struct {
	cfg    Config
	remote Remote
	store  *genai.FileSearchStore
	sleep  retry.SleepFunc
	logger *slog.Logger
}

var (
	_ vectorstore.Store         = (*Store)(nil)
	_ vectorstore.StatsReporter = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithRemote replaces the Gemini client.
func WithRemote(r Remote) Option {
	return func(s *Store) { s.remote = r }
}

// WithSleep replaces the wait used for upload backoff and polling.
func WithSleep(sleep retry.SleepFunc) Option {
	return func(s *Store) { s.sleep = sleep }
}

// New creates an uninitialized File Search store. Call Init before use.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &Store{
		cfg:    cfg,
		sleep:  retry.Sleep,
		logger: logger.With("component", "filesearch", "store", cfg.StoreName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the Gemini client and resolves the store by display name.
// A missing store is not an error; Seed and Migrate create it.
func (s *Store) Init(ctx context.Context) error {
	if s.remote == nil {
		if s.cfg.APIKey == "" {
			return fmt.Errorf("filesearch: api key is required")
		}
		remote, err := NewGenAIRemote(ctx, s.cfg.APIKey, s.cfg.BaseURL)
		if err != nil {
			return err
		}
		s.remote = remote
	}
	store, err := s.remote.FindStore(ctx, s.cfg.StoreName)
	if err != nil {
		return fmt.Errorf("resolve file search store %s: %w", s.cfg.StoreName, err)
	}
	s.store = store
	return nil
}

func (s *Store) ensureStore(ctx context.Context) (*genai.FileSearchStore, error) {
	if s.store != nil {
		return s.store, nil
	}
	store, err := s.remote.CreateStore(ctx, s.cfg.StoreName)
	if err != nil {
		return nil, fmt.Errorf("create file search store %s: %w", s.cfg.StoreName, err)
	}
	s.store = store
	s.logger.Info("file search store created", "name", store.Name)
	return store, nil
}

// Migrate force-deletes the remote store with its documents and creates an
// empty one with the same display name.
func (s *Store) Migrate(ctx context.Context) error {
	if s.store != nil {
		if err := s.remote.DeleteStore(ctx, s.store.Name); err != nil {
			return fmt.Errorf("delete file search store %s: %w", s.store.Name, err)
		}
		s.store = nil
	}
	_, err := s.ensureStore(ctx)
	return err
}

// Seed uploads every eligible file in dir. Non-ASCII names are
// transliterated, and references to them in the metadata file are rewritten.
// A file that still fails after the configured retries is skipped.
func (s *Store) Seed(ctx context.Context, dir string) (vectorstore.SeedReport, error) {
	var report vectorstore.SeedReport

	files, err := vectorstore.ReadKnowledgeFiles(dir)
	if err != nil {
		return report, err
	}
	store, err := s.ensureStore(ctx)
	if err != nil {
		return report, err
	}

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	plan := renamePlan(names)

	for _, file := range files {
		uploadName := plan[file.Name]
		content := file.Content
		if file.Name == s.cfg.MetadataFile {
			content = rewriteReferences(content, plan)
		}
		if uploadName != file.Name {
			s.logger.Info("renamed file for upload", "file", file.Name, "upload_name", uploadName)
		}

		if err := s.uploadWithRetry(ctx, store.Name, uploadName, file.Name, content); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			s.logger.Warn("skipping file after upload retries", "file", file.Name, "error", err)
			report.Skipped = append(report.Skipped, file.Name)
			continue
		}
		report.Files++
	}

	return report, nil
}

func (s *Store) uploadWithRetry(ctx context.Context, storeName, uploadName, original, content string) error {
	cfg := retry.Linear(s.cfg.UploadRetries+1, s.cfg.RetryStep).WithSleep(s.sleep)
	cfg.OnRetry = func(attempt int, err error) {
		s.logger.Warn("upload failed, retrying", "file", original, "attempt", attempt, "error", err)
	}
	result := retry.Do(ctx, cfg, func() error {
		return s.upload(ctx, storeName, uploadName, original, content)
	})
	return result.Err
}

func (s *Store) upload(ctx context.Context, storeName, uploadName, original, content string) error {
	op, err := s.remote.Upload(ctx, strings.NewReader(content), storeName, &genai.UploadToFileSearchStoreConfig{
		DisplayName: uploadName,
		MIMEType:    mimeType(uploadName),
		CustomMetadata: []*genai.CustomMetadata{
			{Key: vectorstore.MetaSource, StringValue: original},
		},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", uploadName, err)
	}

	deadline := time.Now().Add(s.cfg.UploadTimeout)
	for !op.Done {
		if time.Now().After(deadline) {
			return fmt.Errorf("upload %s: indexing did not finish within %s", uploadName, s.cfg.UploadTimeout)
		}
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
		op, err = s.remote.PollUpload(ctx, op)
		if err != nil {
			return fmt.Errorf("poll upload %s: %w", uploadName, err)
		}
	}
	if len(op.Error) > 0 {
		return fmt.Errorf("upload %s: indexing failed: %v", uploadName, op.Error["message"])
	}
	return nil
}

func mimeType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt", "":
		return "text/plain"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "text/plain"
}

// QueryDocuments asks the model to answer the query grounded on the store
// and maps the returned citations to documents. The backend exposes no
// similarity, so every document carries the placeholder score.
func (s *Store) QueryDocuments(ctx context.Context, query string, topK int) ([]vectorstore.Document, error) {
	if topK <= 0 {
		return nil, nil
	}
	if s.store == nil {
		return nil, fmt.Errorf("file search store %s does not exist, seed it first", s.cfg.StoreName)
	}

	k := int32(topK)
	resp, err := s.remote.Generate(ctx, s.cfg.Model, genai.Text(query), &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{
			FileSearch: &genai.FileSearch{
				FileSearchStoreNames: []string{s.store.Name},
				TopK:                 &k,
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("grounded query: %w", err)
	}

	var docs []vectorstore.Document
	for _, cand := range resp.Candidates {
		if cand == nil || cand.GroundingMetadata == nil {
			continue
		}
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk == nil || chunk.RetrievedContext == nil {
				continue
			}
			rc := chunk.RetrievedContext
			if strings.TrimSpace(rc.Text) == "" {
				continue
			}
			docs = append(docs, vectorstore.Document{
				ID:      fmt.Sprintf("%s#%d", firstNonEmpty(rc.DocumentName, rc.Title), len(docs)+1),
				Content: rc.Text,
				Metadata: map[string]any{
					vectorstore.MetaSource:     rc.Title,
					vectorstore.MetaChunkIndex: len(docs) + 1,
					"document_name":            rc.DocumentName,
					"uri":                      rc.URI,
				},
				Similarity: vectorstore.Float(s.cfg.PlaceholderSimilarity),
			})
			if len(docs) == topK {
				return docs, nil
			}
		}
	}
	return docs, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return "citation"
}

// AddDocuments is not supported; files are only ingested by Seed.
func (s *Store) AddDocuments(context.Context, []vectorstore.Document) error {
	return vectorstore.ErrNotSupported
}

// Stats reports the remote document counts.
func (s *Store) Stats(ctx context.Context) (vectorstore.Stats, error) {
	if s.store == nil {
		return vectorstore.Stats{Location: s.cfg.StoreName}, nil
	}
	store, err := s.remote.GetStore(ctx, s.store.Name)
	if err != nil {
		return vectorstore.Stats{}, fmt.Errorf("get file search store: %w", err)
	}
	return vectorstore.Stats{Location: store.Name, Files: store.ActiveDocumentsCount}, nil
}

// Capabilities reports that this backend neither adds incrementally nor
// returns real similarity scores.
func (s *Store) Capabilities() vectorstore.Capabilities {
	return vectorstore.Capabilities{}
}

// Close is a no-op; the Gemini client holds no persistent connections.
func (s *Store) Close() error {
	return nil
}

// genaiRemote implements Remote with the Gemini SDK.
type genaiRemote struct {
	client *genai.Client
}

// NewGenAIRemote creates a Remote backed by a Gemini API client.
func NewGenAIRemote(ctx context.Context, apiKey, baseURL string) (Remote, error) {
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &genaiRemote{client: client}, nil
}

func (g *genaiRemote) FindStore(ctx context.Context, displayName string) (*genai.FileSearchStore, error) {
	for store, err := range g.client.FileSearchStores.All(ctx) {
		if err != nil {
			return nil, err
		}
		if store.DisplayName == displayName {
			return store, nil
		}
	}
	return nil, nil
}

func (g *genaiRemote) CreateStore(ctx context.Context, displayName string) (*genai.FileSearchStore, error) {
	return g.client.FileSearchStores.Create(ctx, &genai.CreateFileSearchStoreConfig{DisplayName: displayName})
}

func (g *genaiRemote) GetStore(ctx context.Context, name string) (*genai.FileSearchStore, error) {
	return g.client.FileSearchStores.Get(ctx, name, nil)
}

func (g *genaiRemote) DeleteStore(ctx context.Context, name string) error {
	force := true
	return g.client.FileSearchStores.Delete(ctx, name, &genai.DeleteFileSearchStoreConfig{Force: &force})
}

func (g *genaiRemote) Upload(ctx context.Context, r io.Reader, storeName string, cfg *genai.UploadToFileSearchStoreConfig) (*genai.UploadToFileSearchStoreOperation, error) {
	// The SDK may read the body more than once on resumable uploads.
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return g.client.FileSearchStores.UploadToFileSearchStore(ctx, bytes.NewReader(data), storeName, cfg)
}

func (g *genaiRemote) PollUpload(ctx context.Context, op *genai.UploadToFileSearchStoreOperation) (*genai.UploadToFileSearchStoreOperation, error) {
	return g.client.Operations.GetUploadToFileSearchStoreOperation(ctx, op, nil)
}

func (g *genaiRemote) Generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return g.client.Models.GenerateContent(ctx, model, contents, cfg)
}
