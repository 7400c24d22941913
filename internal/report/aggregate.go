// Package report reads persisted run directories back and summarizes them.
package report

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/haasonsaas/ragbench/internal/llm"
	"github.com/haasonsaas/ragbench/internal/testrun"
)

// Totals are sums and averages over a set of results.
type Totals struct {
	Results        int       `json:"results"`
	Failed         int       `json:"failed"`
	Errors         int       `json:"errors"`
	TotalScore     float64   `json:"totalScore"`
	MaxTotal       float64   `json:"maxTotal"`
	AvgScore       float64   `json:"avgScore"`
	Percent        float64   `json:"percent"`
	WorkTokens     llm.Usage `json:"workTokens"`
	ScoreTokens    llm.Usage `json:"scoreTokens"`
	AvgWorkMillis  float64   `json:"avgWorkMillis"`
	AvgScoreMillis float64   `json:"avgScoreMillis"`
	AvgQueryMillis float64   `json:"avgQueryMillis"`
}

type accumulator struct {
	Totals
	workMs, scoreMs, queryMs int64
}

func (a *accumulator) add(r testrun.Result) {
	a.Results++
	if r.ModelAnswer == testrun.FailedAnswer {
		a.Failed++
	}
	if r.Error != "" {
		a.Errors++
	}
	a.TotalScore += r.Score
	a.MaxTotal += r.MaxScore
	a.WorkTokens = a.WorkTokens.Add(r.WorkTokenUsage)
	a.ScoreTokens = a.ScoreTokens.Add(r.ScoreTokenUsage)
	a.workMs += r.WorkDurationUsage
	a.scoreMs += r.ScoreDurationUsage
	a.queryMs += r.DBQueryDuration
}

func (a *accumulator) totals() Totals {
	t := a.Totals
	if t.Results == 0 {
		return t
	}
	n := float64(t.Results)
	t.AvgScore = t.TotalScore / n
	t.AvgWorkMillis = float64(a.workMs) / n
	t.AvgScoreMillis = float64(a.scoreMs) / n
	t.AvgQueryMillis = float64(a.queryMs) / n
	if t.MaxTotal > 0 {
		t.Percent = t.TotalScore / t.MaxTotal * 100
	}
	return t
}

// LoopSummary aggregates one loop.
type LoopSummary struct {
	Loop int `json:"loop"`
	Totals
}

// QuestionSummary aggregates one question across loops.
type QuestionSummary struct {
	ID       int       `json:"id"`
	Tag      string    `json:"tag"`
	Question string    `json:"question"`
	MaxScore float64   `json:"maxScore"`
	Scores   []float64 `json:"scores"`
	AvgScore float64   `json:"avgScore"`
	MinScore float64   `json:"minScore"`
	Best     float64   `json:"best"`
	Failed   int       `json:"failed"`
}

// Skipped names a loop that could not be read.
type Skipped struct {
	Loop   int    `json:"loop"`
	Reason string `json:"reason"`
}

// RunReport is the aggregate of one run directory.
type RunReport struct {
	Run       string            `json:"run"`
	Dir       string            `json:"dir"`
	Manifest  *testrun.Summary  `json:"manifest,omitempty"`
	Database  string            `json:"database"`
	Embedding string            `json:"embedding"`
	Rerank    string            `json:"rerank"`
	Overall   Totals            `json:"overall"`
	Loops     []LoopSummary     `json:"loops"`
	Questions []QuestionSummary `json:"questions"`
	Tags      map[string]Totals `json:"tags,omitempty"`
	Skipped   []Skipped         `json:"skipped,omitempty"`
}

// Aggregate reads every loop of runDir. A loop whose results file is
// missing or corrupt is logged and listed in Skipped.
func Aggregate(runDir string, logger *slog.Logger) (*RunReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "report")

	loops, err := testrun.LoopDirs(runDir)
	if err != nil {
		return nil, fmt.Errorf("read run dir: %w", err)
	}

	rep := &RunReport{
		Run:  filepath.Base(runDir),
		Dir:  runDir,
		Tags: make(map[string]Totals),
	}
	if m, found, err := testrun.LoadManifest(runDir); err != nil {
		logger.Warn("unreadable run manifest", "dir", runDir, "error", err)
	} else if found {
		rep.Manifest = &m
	}

	var overall accumulator
	tags := make(map[string]*accumulator)
	questions := make(map[int]*QuestionSummary)
	var order []int

	for _, loop := range loops {
		results, err := testrun.LoadLoop(filepath.Join(runDir, strconv.Itoa(loop)))
		if err != nil {
			logger.Warn("skipping loop", "dir", runDir, "loop", loop, "error", err)
			rep.Skipped = append(rep.Skipped, Skipped{Loop: loop, Reason: err.Error()})
			continue
		}

		var acc accumulator
		for _, r := range results {
			acc.add(r)
			overall.add(r)

			tag := cmp.Or(r.Tag, "untagged")
			if tags[tag] == nil {
				tags[tag] = &accumulator{}
			}
			tags[tag].add(r)

			q, ok := questions[r.ID]
			if !ok {
				q = &QuestionSummary{ID: r.ID, Tag: r.Tag, Question: r.Question, MaxScore: r.MaxScore}
				questions[r.ID] = q
				order = append(order, r.ID)
			}
			q.Scores = append(q.Scores, r.Score)
			if r.ModelAnswer == testrun.FailedAnswer {
				q.Failed++
			}

			if rep.Database == "" {
				rep.Database = r.DatabaseName
				rep.Embedding = r.EmbeddingModelName
				rep.Rerank = r.RerankModelName
			}
		}
		rep.Loops = append(rep.Loops, LoopSummary{Loop: loop, Totals: acc.totals()})
	}

	rep.Overall = overall.totals()
	for tag, acc := range tags {
		rep.Tags[tag] = acc.totals()
	}
	slices.Sort(order)
	for _, id := range order {
		q := questions[id]
		q.MinScore = slices.Min(q.Scores)
		q.Best = slices.Max(q.Scores)
		sum := 0.0
		for _, s := range q.Scores {
			sum += s
		}
		q.AvgScore = sum / float64(len(q.Scores))
		rep.Questions = append(rep.Questions, *q)
	}
	return rep, nil
}

// RunInfo describes a run directory found under an output root.
type RunInfo struct {
	Name     string           `json:"name"`
	Dir      string           `json:"dir"`
	Loops    int              `json:"loops"`
	Manifest *testrun.Summary `json:"manifest,omitempty"`
}

// ListRuns returns the run directories under root, newest first.
func ListRuns(root string) ([]RunInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	var runs []RunInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		loops, err := testrun.LoopDirs(dir)
		if err != nil || len(loops) == 0 {
			continue
		}
		info := RunInfo{Name: e.Name(), Dir: dir, Loops: len(loops)}
		if m, found, err := testrun.LoadManifest(dir); err == nil && found {
			info.Manifest = &m
		}
		runs = append(runs, info)
	}
	slices.SortFunc(runs, func(a, b RunInfo) int { return cmp.Compare(b.Name, a.Name) })
	return runs, nil
}

// AggregateAll aggregates every run under root, newest first.
func AggregateAll(root string, logger *slog.Logger) ([]*RunReport, error) {
	runs, err := ListRuns(root)
	if err != nil {
		return nil, err
	}
	reports := make([]*RunReport, 0, len(runs))
	for _, run := range runs {
		rep, err := Aggregate(run.Dir, logger)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping run", "dir", run.Dir, "error", err)
			}
			continue
		}
		reports = append(reports, rep)
	}
	return reports, nil
}
