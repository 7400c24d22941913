package testrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/ragbench/internal/llm"
	"github.com/haasonsaas/ragbench/internal/observability"
	"github.com/haasonsaas/ragbench/internal/rag/rerank"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore"
	"github.com/haasonsaas/ragbench/internal/retry"
	"github.com/haasonsaas/ragbench/internal/testcase"
)

// StoreResolver hands out initialized vector stores.
type StoreResolver interface {
	Get(ctx context.Context, backend vectorstore.Backend, embeddingModel string) (vectorstore.Store, error)
}

// ChatModel completes a chat request.
type ChatModel interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Result, error)
}

var (
	_ StoreResolver = (*vectorstore.Registry)(nil)
	_ ChatModel     = (*llm.Client)(nil)
)

// Stage names used for metrics, spans and retry accounting.
const (
	stageWork  = "work"
	stageScore = "score"
)

// Runner executes test runs. A Runner may be reused; runs on the same
// Runner must not overlap.
type Runner struct {
	cfg      Config
	stores   StoreResolver
	chat     ChatModel
	reranker rerank.Reranker
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
	sleep    retry.SleepFunc
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithReranker enables reranking of retrieved documents.
func WithReranker(r rerank.Reranker) Option {
	return func(rn *Runner) { rn.reranker = r }
}

// WithMetrics records run metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(rn *Runner) { rn.metrics = m }
}

// WithTracer records spans for each step.
func WithTracer(t *observability.Tracer) Option {
	return func(rn *Runner) { rn.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(rn *Runner) { rn.logger = l }
}

// WithSleep replaces the wait between retries.
func WithSleep(s retry.SleepFunc) Option {
	return func(rn *Runner) { rn.sleep = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(rn *Runner) { rn.now = now }
}

// New creates a Runner. stores may be nil when cfg.Backend is zero.
func New(cfg Config, stores StoreResolver, chat ChatModel, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg.withDefaults(),
		stores: stores,
		chat:   chat,
		tracer: observability.NoopTracer(),
		logger: slog.Default(),
		sleep:  retry.Sleep,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "testrun")
	return r
}

// Config returns the effective configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

func (r *Runner) databaseName() string {
	if r.cfg.Backend == 0 {
		return "none"
	}
	return r.cfg.Backend.String()
}

// Run executes every loop over cases and reports progress to emit. The
// last event is always done or error. A cancelled ctx stops the run before
// the next case and returns ErrCancelled together with the partial summary.
func (r *Runner) Run(ctx context.Context, cases []testcase.Case, emit func(Event)) (*Summary, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	runID := uuid.NewString()
	ctx = observability.WithRunID(ctx, runID)
	logger := r.logger.With("run_id", runID)

	ctx, span := r.tracer.Start(ctx, "testrun.run",
		"run_id", runID, "loops", r.cfg.Loops, "cases", len(cases), "backend", r.databaseName())
	defer span.End()
	defer r.metrics.RunStarted()()

	summary := &Summary{
		RunID:          runID,
		StartedAt:      r.now(),
		Loops:          r.cfg.Loops,
		Cases:          len(cases),
		DatabaseName:   r.databaseName(),
		EmbeddingModel: r.cfg.EmbeddingModel,
		RerankModel:    r.cfg.RerankModel,
		WorkModel:      r.cfg.Work.Model,
		JudgeModel:     r.cfg.Judge.Model,
	}

	fail := func(err error) (*Summary, error) {
		observability.RecordError(span, err)
		logger.Error("test run failed", "error", err)
		emit(Event{Type: EventError, Message: err.Error()})
		return summary, err
	}

	if len(cases) == 0 {
		return fail(errors.New("no test cases to run"))
	}

	var store vectorstore.Store
	if r.cfg.Backend != 0 {
		if r.stores == nil {
			return fail(errors.New("vector store backend configured without a registry"))
		}
		emit(Event{Type: EventLog, Message: fmt.Sprintf("connecting to %s (%s)", r.databaseName(), r.cfg.EmbeddingModel)})
		s, err := r.stores.Get(ctx, r.cfg.Backend, r.cfg.EmbeddingModel)
		if err != nil {
			return fail(fmt.Errorf("open vector store: %w", err))
		}
		store = s
	}

	dir, err := createRunDir(r.cfg.OutputDir, summary.StartedAt)
	if err != nil {
		return fail(err)
	}
	summary.Dir = dir.path
	logger.Info("test run started", "dir", dir.path, "loops", r.cfg.Loops, "cases", len(cases))
	emit(Event{Type: EventLog, Message: "writing results to " + dir.path})

	total := r.cfg.Loops * len(cases)
	processed := 0
	cancelled := false

loops:
	for loop := 1; loop <= r.cfg.Loops; loop++ {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if err := dir.startLoop(loop); err != nil {
			return fail(err)
		}
		logw, err := dir.openLog(loop)
		if err != nil {
			return fail(err)
		}

		for i, c := range cases {
			if ctx.Err() != nil {
				cancelled = true
				_ = logw.Close()
				break loops
			}
			emit(progressEvent(loop, r.cfg.Loops, i+1, len(cases), processed, total, c))

			res, degraded, err := r.runCase(ctx, loop, c, store, logw)
			if errors.Is(err, ErrCancelled) {
				cancelled = true
				_ = logw.Close()
				break loops
			}
			if err != nil {
				_ = logw.Close()
				return fail(err)
			}
			if err := dir.appendResult(loop, res); err != nil {
				_ = logw.Close()
				return fail(err)
			}
			processed++

			summary.Completed++
			switch {
			case res.ModelAnswer == FailedAnswer:
				summary.Failed++
				r.metrics.CaseFinished(observability.CaseFailed)
			case degraded || res.Error != "":
				summary.Degraded++
				r.metrics.CaseFinished(observability.CaseDegraded)
			default:
				r.metrics.CaseFinished(observability.CaseSucceeded)
			}
			summary.Usage.add(res.WorkTokenUsage, res.ScoreTokenUsage)

			score, maxScore := res.Score, res.MaxScore
			emit(Event{
				Type:         EventStateUpdate,
				QuestionID:   res.ID,
				QuestionText: res.Question,
				ModelAnswer:  res.ModelAnswer,
				Score:        &score,
				MaxScore:     &maxScore,
			})
			usage := summary.Usage
			emit(Event{Type: EventTokenUsage, TokenUsage: &usage})
		}
		_ = logw.Close()
	}

	summary.FinishedAt = r.now()
	summary.Cancelled = cancelled
	if err := dir.writeManifest(*summary); err != nil {
		logger.Warn("failed to write run manifest", "error", err)
	}

	if cancelled {
		logger.Info("test run cancelled", "completed", summary.Completed)
		emit(Event{
			Type:      EventDone,
			Message:   fmt.Sprintf("test run cancelled after %d of %d cases", summary.Completed, total),
			Cancelled: true,
		})
		return summary, ErrCancelled
	}

	logger.Info("test run finished",
		"completed", summary.Completed, "failed", summary.Failed, "tokens", summary.Usage.Total)
	full := 100
	emit(Event{Type: EventUpdate, ActiveTaskMessage: "done", Progress: &full, CurrentTask: "finished"})
	emit(Event{Type: EventDone, Message: "test run finished: " + dir.path})
	return summary, nil
}

func progressEvent(loop, loops, idx, n, processed, total int, c testcase.Case) Event {
	pct := 0
	if total > 0 {
		pct = processed * 100 / total
	}
	return Event{
		Type:              EventUpdate,
		ActiveTaskMessage: fmt.Sprintf("loop %d/%d, case %d/%d", loop, loops, idx, n),
		Progress:          &pct,
		CurrentTask:       fmt.Sprintf("#%d %s", c.ID, c.Question),
	}
}

// runCase returns ErrCancelled when cancellation is seen before the case
// has an answer. Other errors are recorded in the result, not returned.
func (r *Runner) runCase(ctx context.Context, loop int, c testcase.Case, store vectorstore.Store, logw io.Writer) (Result, bool, error) {
	ctx, span := r.tracer.Start(ctx, "testrun.case", "loop", loop, "case_id", c.ID)
	defer span.End()

	maxScore := c.Score
	if maxScore <= 0 {
		maxScore = testcase.DefaultMaxScore
	}
	res := Result{
		ID:                 c.ID,
		Tag:                c.Tag,
		Source:             c.Source,
		Question:           c.Question,
		StandardAnswer:     c.Answer,
		MaxScore:           maxScore,
		DatabaseName:       r.databaseName(),
		EmbeddingModelName: r.cfg.EmbeddingModel,
		RerankModelName:    r.cfg.RerankModel,
	}

	var ret retrieval
	if store != nil {
		ret = r.retrieve(ctx, store, c.Question)
		res.DBQueryDuration = ret.queryTime.Milliseconds()
		res.RerankDuration = ret.rerankTime.Milliseconds()
	}
	prompt := workPrompt(r.cfg.Prompts.Work, c.Question, ret.docs)

	if ctx.Err() != nil {
		return Result{}, false, ErrCancelled
	}

	fmt.Fprintf(logw, CaseHeaderFormat+"\n%s\n", loop, c.ID, c.Question)
	if ret.note != "" {
		fmt.Fprintf(logw, "note: %s\n", ret.note)
	}

	work, err := r.generate(ctx, stageWork, r.cfg.Work, prompt, logw)
	if ctx.Err() != nil {
		return Result{}, false, ErrCancelled
	}
	if err != nil {
		r.logger.Warn("work model failed", "case_id", c.ID, "loop", loop, "error", err)
		fmt.Fprintf(logw, "%s\n%s\n", llm.LogFinalReply, FailedAnswer)
		res.ModelAnswer = FailedAnswer
		res.Error = "work: " + err.Error()
		observability.RecordError(span, err)
		return res, ret.degraded, nil
	}
	res.ModelAnswer = work.Content
	res.WorkTokenUsage = work.Usage
	res.WorkDurationUsage = work.Duration.Milliseconds()

	judge, err := r.generate(ctx, stageScore, r.cfg.Judge,
		judgePrompt(r.cfg.Prompts.Judge, c.Question, c.Answer, work.Content, maxScore), nil)
	if err != nil {
		r.logger.Warn("judge model failed", "case_id", c.ID, "loop", loop, "error", err)
		res.Error = "score: " + err.Error()
		observability.RecordError(span, err)
		return res, ret.degraded, nil
	}
	res.ScoreTokenUsage = judge.Usage
	res.ScoreDurationUsage = judge.Duration.Milliseconds()

	score, err := parseScore(judge.Content, maxScore)
	if err != nil {
		r.logger.Warn("unparseable judge reply", "case_id", c.ID, "reply", judge.Content)
		res.Error = "score: " + err.Error()
		return res, ret.degraded, nil
	}
	res.Score = score
	if ret.degraded {
		res.Error = ret.note
	}
	observability.SetAttributes(span, "score", score, "max_score", maxScore)
	return res, ret.degraded, nil
}

// generate runs one single-message request with bounded retries. Each
// attempt runs detached from ctx cancellation; cancellation only stops
// further attempts.
func (r *Runner) generate(ctx context.Context, stage string, mc ModelConfig, prompt string, logw io.Writer) (*llm.Result, error) {
	ctx, span := r.tracer.Start(ctx, "testrun."+stage, "provider", mc.Provider, "model", mc.Model)
	defer span.End()

	req := llm.Request{
		Provider: mc.Provider,
		Model:    mc.Model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Config:   mc.Generation,
		Log:      logw,
	}

	cfg := retry.Fixed(r.cfg.Retries()+1, r.cfg.RetryDelay).WithSleep(r.sleep)
	cfg.OnRetry = func(attempt int, err error) {
		r.metrics.Retried(stage)
		r.logger.Warn("model call failed, retrying",
			"stage", stage, "attempt", attempt, "delay", r.cfg.RetryDelay, "error", err)
	}

	start := r.now()
	out, result := retry.DoWithValue(ctx, cfg, func() (*llm.Result, error) {
		res, err := r.chat.Generate(context.WithoutCancel(ctx), req)
		if err != nil {
			if pe, ok := llm.AsProviderError(err); ok && !pe.Reason.Transient() {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	})
	r.metrics.ObserveStage(stage, r.now().Sub(start))
	observability.SetAttributes(span, "attempts", result.Attempts)
	if result.Err != nil {
		observability.RecordError(span, result.Err)
		return nil, fmt.Errorf("%s after %d attempt(s): %w", strings.TrimSpace(mc.Model), result.Attempts, result.Err)
	}
	r.metrics.AddTokens(stage, out.Usage.PromptTokens, out.Usage.CompletionTokens)
	return out, nil
}
