// Package testrun drives a test run: for each loop and each case it
// retrieves context, reranks it, asks the work model, has the judge model
// score the answer and persists the result before moving on.
package testrun

import (
	"errors"
	"time"

	"github.com/haasonsaas/ragbench/internal/llm"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore"
)

// ErrCancelled is returned by Run when the context is cancelled between
// steps. It is not a failure.
var ErrCancelled = errors.New("test run cancelled")

// FailedAnswer is recorded as the model answer when every work attempt failed.
const FailedAnswer = "N/A (call failed)"

// ModelConfig selects a chat model and its generation settings.
type ModelConfig struct {
	Provider   string               `yaml:"provider" json:"provider"`
	Model      string               `yaml:"model" json:"model"`
	Generation llm.GenerationConfig `yaml:"generation" json:"generation"`
}

// Prompts are the templates sent to the models. Placeholders are
// {{question}}, {{context}}, {{reference}}, {{answer}} and {{max_score}}.
type Prompts struct {
	// Work is used when context was retrieved. Without context the raw
	// question is sent.
	Work  string `yaml:"work" json:"work"`
	Judge string `yaml:"judge" json:"judge"`
}

// Config controls a run.
type Config struct {
	// Loops is the number of passes over the case set.
	// Default: 1
	Loops int `yaml:"loops"`

	// TopK documents are requested from the vector store.
	// Default: 10
	TopK int `yaml:"top_k"`

	// SimilarityThreshold drops documents scoring below it.
	// Default: 0.8
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// RerankTopN documents are kept after reranking.
	// Default: 3
	RerankTopN int `yaml:"rerank_top_n"`

	// FallbackTopN raw documents are used when rerank fails or the
	// threshold filter leaves nothing.
	// Default: 3
	FallbackTopN int `yaml:"fallback_top_n"`

	// MaxRetries is the number of retries after a failed model call. Set
	// it to 0 to make a single attempt.
	// Default: 2
	MaxRetries *int `yaml:"max_retries"`

	// RetryDelay is the fixed wait between model call attempts.
	// Default: 2s
	RetryDelay time.Duration `yaml:"retry_delay"`

	Work    ModelConfig `yaml:"work"`
	Judge   ModelConfig `yaml:"judge"`
	Prompts Prompts     `yaml:"prompts"`

	// Schedule is a cron expression for repeated runs.
	Schedule string `yaml:"schedule"`

	// Filled from the surrounding configuration.
	OutputDir      string              `yaml:"-"`
	Backend        vectorstore.Backend `yaml:"-"`
	EmbeddingModel string              `yaml:"-"`
	RerankModel    string              `yaml:"-"`
}

// DefaultMaxRetries is used when max_retries is unset.
const DefaultMaxRetries = 2

// Retries returns the retry budget after defaults.
func (c Config) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return max(*c.MaxRetries, 0)
}

func (c Config) withDefaults() Config {
	if c.Loops <= 0 {
		c.Loops = 1
	}
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.8
	}
	if c.RerankTopN <= 0 {
		c.RerankTopN = 3
	}
	if c.FallbackTopN <= 0 {
		c.FallbackTopN = 3
	}
	if c.MaxRetries == nil || *c.MaxRetries < 0 {
		n := DefaultMaxRetries
		if c.MaxRetries != nil {
			n = 0
		}
		c.MaxRetries = &n
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.Prompts.Work == "" {
		c.Prompts.Work = DefaultWorkPrompt
	}
	if c.Prompts.Judge == "" {
		c.Prompts.Judge = DefaultJudgePrompt
	}
	if c.OutputDir == "" {
		c.OutputDir = "output/result"
	}
	return c
}

// Result is the persisted outcome of one case in one loop. Durations are
// milliseconds.
type Result struct {
	ID                 int       `json:"id"`
	Tag                string    `json:"tag"`
	Source             string    `json:"source"`
	Question           string    `json:"question"`
	StandardAnswer     string    `json:"standardAnswer"`
	ModelAnswer        string    `json:"modelAnswer"`
	MaxScore           float64   `json:"maxScore"`
	Score              float64   `json:"score"`
	WorkTokenUsage     llm.Usage `json:"workTokenUsage"`
	WorkDurationUsage  int64     `json:"workDurationUsage"`
	ScoreTokenUsage    llm.Usage `json:"scoreTokenUsage"`
	ScoreDurationUsage int64     `json:"scoreDurationUsage"`
	DBQueryDuration    int64     `json:"dbQueryDuration"`
	RerankDuration     int64     `json:"rerankDuration"`
	DatabaseName       string    `json:"databaseName"`
	EmbeddingModelName string    `json:"embeddingModelName"`
	RerankModelName    string    `json:"rerankModelName"`
	Error              string    `json:"error,omitempty"`
}

// TokenUsage is the cumulative usage of a run.
type TokenUsage struct {
	Work  llm.Usage `json:"work"`
	Score llm.Usage `json:"score"`
	Total int       `json:"total"`
}

func (u *TokenUsage) add(work, score llm.Usage) {
	u.Work = u.Work.Add(work)
	u.Score = u.Score.Add(score)
	u.Total = u.Work.TotalTokens + u.Score.TotalTokens
}

// EventType is the kind of a progress event.
type EventType string

const (
	EventLog         EventType = "log"
	EventUpdate      EventType = "update"
	EventStateUpdate EventType = "state_update"
	EventTokenUsage  EventType = "token_usage"
	EventError       EventType = "error"
	EventDone        EventType = "done"
)

// Event is one progress frame. Only the fields of its Type are set.
type Event struct {
	Type EventType `json:"type"`

	// log, error, done
	Message string `json:"message,omitempty"`

	// update
	ActiveTaskMessage string `json:"activeTaskMessage,omitempty"`
	Progress          *int   `json:"progress,omitempty"`
	CurrentTask       string `json:"currentTask,omitempty"`

	// state_update
	QuestionID   int      `json:"questionId,omitempty"`
	QuestionText string   `json:"questionText,omitempty"`
	ModelAnswer  string   `json:"modelAnswer,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	MaxScore     *float64 `json:"maxScore,omitempty"`

	// token_usage
	TokenUsage *TokenUsage `json:"tokenUsage,omitempty"`

	// done
	Cancelled bool `json:"cancelled,omitempty"`
}

// Terminal reports whether no event follows this one.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Summary describes a run. It is also written to run.json in the run
// directory.
type Summary struct {
	RunID          string     `json:"runId"`
	Dir            string     `json:"dir"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     time.Time  `json:"finishedAt,omitzero"`
	Loops          int        `json:"loops"`
	Cases          int        `json:"cases"`
	Completed      int        `json:"completed"`
	Failed         int        `json:"failed"`
	Degraded       int        `json:"degraded"`
	Cancelled      bool       `json:"cancelled"`
	Usage          TokenUsage `json:"usage"`
	DatabaseName   string     `json:"databaseName"`
	EmbeddingModel string     `json:"embeddingModel"`
	RerankModel    string     `json:"rerankModel"`
	WorkModel      string     `json:"workModel"`
	JudgeModel     string     `json:"judgeModel"`
}
