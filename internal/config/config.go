// Package config loads the ragbench configuration file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/ragbench/internal/archive"
	"github.com/haasonsaas/ragbench/internal/mcp"
	"github.com/haasonsaas/ragbench/internal/notify"
	"github.com/haasonsaas/ragbench/internal/observability"
	"github.com/haasonsaas/ragbench/internal/rag/chunker"
	"github.com/haasonsaas/ragbench/internal/rag/embeddings"
	"github.com/haasonsaas/ragbench/internal/rag/rerank"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore/chromem"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore/filesearch"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore/pgvector"
	"github.com/haasonsaas/ragbench/internal/report"
	"github.com/haasonsaas/ragbench/internal/testrun"
)

// BackendNone disables retrieval; questions go to the model unchanged.
const BackendNone = "none"

// Config is the root of the configuration file.
type Config struct {
	Version int `yaml:"version"`

	// OutputDir receives one timestamped directory per run.
	// Default: output/result
	OutputDir string `yaml:"output_dir"`

	// CasesFile is the JSON array of test cases.
	// Default: data/testcases.json
	CasesFile string `yaml:"cases_file"`

	// KnowledgeDir holds the documents seeded into the vector store.
	// Default: data/knowledge
	KnowledgeDir string `yaml:"knowledge_dir"`

	Logging       observability.LogConfig `yaml:"logging"`
	Embeddings    embeddings.Config       `yaml:"embeddings"`
	Chunker       chunker.Config          `yaml:"chunker"`
	VectorStore   VectorStoreConfig       `yaml:"vector_store"`
	Rerank        rerank.Config           `yaml:"rerank"`
	LLM           LLMConfig               `yaml:"llm"`
	Run           testrun.Config          `yaml:"run"`
	Observability ObservabilityConfig     `yaml:"observability"`
	Server        ServerConfig            `yaml:"server"`
	Analyze       report.Rules            `yaml:"analyze"`
	Archive       archive.Config          `yaml:"archive"`
	Notify        notify.Config           `yaml:"notify"`
}

// VectorStoreConfig selects and configures the retrieval backend.
type VectorStoreConfig struct {
	// Backend is pgvector, chromem, filesearch or none.
	// Default: chromem
	Backend string `yaml:"backend"`

	Pgvector   pgvector.Config   `yaml:"pgvector"`
	Chromem    chromem.Config    `yaml:"chromem"`
	FileSearch filesearch.Config `yaml:"file_search"`
}

// ParsedBackend returns the configured backend, or zero for "none".
func (c VectorStoreConfig) ParsedBackend() (vectorstore.Backend, error) {
	if strings.EqualFold(strings.TrimSpace(c.Backend), BackendNone) {
		return 0, nil
	}
	return vectorstore.ParseBackend(c.Backend)
}

// LLMConfig configures chat providers and the MCP tool client.
type LLMConfig struct {
	// DefaultProvider is used by run.work and run.judge when they name none.
	// Default: openai
	DefaultProvider string `yaml:"default_provider"`

	// Providers are keyed by the id requests use.
	Providers map[string]LLMProviderConfig `yaml:"providers"`

	MCP mcp.Config `yaml:"mcp"`
}

// LLMProviderConfig configures one chat provider.
type LLMProviderConfig struct {
	// Type is openai, ollama, gemini, anthropic or bedrock. An empty type
	// uses the provider id when it names a type, otherwise openai.
	Type string `yaml:"type"`

	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	// Bedrock credentials. Empty keys use the default AWS chain.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	IncludeThoughts  bool `yaml:"include_thoughts"`
	DefaultMaxTokens int  `yaml:"default_max_tokens"`
}

// Provider types.
const (
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// ResolvedType returns the provider type for the entry registered as id.
func (p LLMProviderConfig) ResolvedType(id string) string {
	if t := strings.ToLower(strings.TrimSpace(p.Type)); t != "" {
		return t
	}
	switch strings.ToLower(id) {
	case ProviderOllama, ProviderGemini, ProviderAnthropic, ProviderBedrock:
		return strings.ToLower(id)
	}
	return ProviderOpenAI
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr serves /metrics during `run` when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`

	Tracing observability.TraceConfig `yaml:"tracing"`
}

// ServerConfig configures `ragbench serve`.
type ServerConfig struct {
	// Default: 127.0.0.1
	Host string `yaml:"host"`

	// Default: 8080
	Port int `yaml:"port"`

	// AllowedOrigins are accepted on websocket upgrades. Empty allows
	// same-origin requests only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid config"
	}
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Load reads, merges, decodes, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "output/result"
	}
	if cfg.CasesFile == "" {
		cfg.CasesFile = "data/testcases.json"
	}
	if cfg.KnowledgeDir == "" {
		cfg.KnowledgeDir = "data/knowledge"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Embeddings.DefaultModel == "" {
		cfg.Embeddings.DefaultModel = "nomic-embed-text"
	}
	if cfg.VectorStore.Backend == "" {
		cfg.VectorStore.Backend = "chromem"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "data/chromem"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = ProviderOpenAI
	}
	if cfg.Run.Work.Provider == "" {
		cfg.Run.Work.Provider = cfg.LLM.DefaultProvider
	}
	if cfg.Run.Judge.Provider == "" {
		cfg.Run.Judge.Provider = cfg.LLM.DefaultProvider
	}
	if cfg.Run.MaxRetries == nil {
		n := testrun.DefaultMaxRetries
		cfg.Run.MaxRetries = &n
	}
	if cfg.Embeddings.Concurrency <= 0 {
		cfg.Embeddings.Concurrency = embeddings.DefaultConcurrency
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "ragbench"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var issues []string

	if _, err := c.VectorStore.ParsedBackend(); err != nil {
		issues = append(issues, fmt.Sprintf("vector_store.backend: %v", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is not a level", c.Logging.Level))
	}
	for _, m := range c.Embeddings.Models {
		switch strings.ToLower(m.Provider) {
		case "", ProviderOllama, ProviderOpenAI, ProviderGemini:
		default:
			issues = append(issues, fmt.Sprintf("embeddings.models.%s.provider %q is not supported", m.Name, m.Provider))
		}
	}
	if s := strings.TrimSpace(c.Run.Schedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			issues = append(issues, fmt.Sprintf("run.schedule: %v", err))
		}
	}
	if t := c.Run.SimilarityThreshold; t < 0 || t > 1 {
		issues = append(issues, "run.similarity_threshold must be between 0 and 1")
	}
	if n := c.Run.MaxRetries; n != nil && *n < 0 {
		issues = append(issues, "run.max_retries must not be negative")
	}
	if len(c.LLM.Providers) > 0 {
		if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.default_provider %q is not in llm.providers", c.LLM.DefaultProvider))
		}
	}
	for id, p := range c.LLM.Providers {
		switch p.ResolvedType(id) {
		case ProviderOpenAI, ProviderOllama, ProviderGemini, ProviderAnthropic, ProviderBedrock:
		default:
			issues = append(issues, fmt.Sprintf("llm.providers.%s.type %q is not supported", id, p.Type))
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		issues = append(issues, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}
	if c.Archive.Enabled && strings.TrimSpace(c.Archive.Bucket) == "" {
		issues = append(issues, "archive.bucket is required when archive is enabled")
	}
	if c.Notify.Enabled && strings.TrimSpace(c.Notify.WebhookURL) == "" {
		issues = append(issues, "notify.webhook_url is required when notify is enabled")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// RunConfig returns the run settings with the values that live elsewhere in
// the file filled in.
func (c *Config) RunConfig() (testrun.Config, error) {
	backend, err := c.VectorStore.ParsedBackend()
	if err != nil {
		return testrun.Config{}, err
	}
	rc := c.Run
	rc.OutputDir = c.OutputDir
	rc.Backend = backend
	rc.EmbeddingModel = c.Embeddings.DefaultModel
	rc.RerankModel = c.Rerank.Model
	return rc, nil
}
