package report

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/haasonsaas/ragbench/internal/fsutil"
	"github.com/haasonsaas/ragbench/internal/llm"
	"github.com/haasonsaas/ragbench/internal/testrun"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeLoop(t *testing.T, runDir string, loop int, results []testrun.Result) {
	t.Helper()
	path := filepath.Join(runDir, strconv.Itoa(loop), testrun.ResultsFile)
	if err := fsutil.WriteJSON(path, results); err != nil {
		t.Fatal(err)
	}
}

func result(id int, score float64) testrun.Result {
	return testrun.Result{
		ID:                 id,
		Tag:                "geo",
		Question:           "q" + strconv.Itoa(id),
		MaxScore:           10,
		Score:              score,
		WorkTokenUsage:     llm.Usage{TotalTokens: 10},
		ScoreTokenUsage:    llm.Usage{TotalTokens: 2},
		WorkDurationUsage:  100,
		DatabaseName:       "pgvector",
		EmbeddingModelName: "bge-m3",
	}
}

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAggregateAverages(t *testing.T) {
	runDir := t.TempDir()
	writeLoop(t, runDir, 1, []testrun.Result{result(1, 10), result(2, 8), result(3, 6), result(4, 4)})

	rep, err := Aggregate(runDir, quietLogger())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !almost(rep.Overall.AvgScore, 7) || !almost(rep.Overall.TotalScore, 28) {
		t.Errorf("avg = %v total = %v, want 7 and 28", rep.Overall.AvgScore, rep.Overall.TotalScore)
	}
	if !almost(rep.Overall.MaxTotal, 40) || !almost(rep.Overall.Percent, 70) {
		t.Errorf("max total = %v percent = %v", rep.Overall.MaxTotal, rep.Overall.Percent)
	}
	if rep.Overall.WorkTokens.TotalTokens != 40 || rep.Database != "pgvector" {
		t.Errorf("report = %+v", rep)
	}
}

func TestAggregateAcrossLoopsSkipsCorrupt(t *testing.T) {
	runDir := t.TempDir()
	writeLoop(t, runDir, 1, []testrun.Result{result(1, 10), result(2, 4)})
	writeLoop(t, runDir, 2, []testrun.Result{result(1, 6), result(2, 0)})
	if err := os.MkdirAll(filepath.Join(runDir, "3"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "3", testrun.ResultsFile), []byte("[{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(runDir, "4"), 0o755); err != nil {
		t.Fatal(err)
	}

	rep, err := Aggregate(runDir, quietLogger())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(rep.Loops) != 2 {
		t.Fatalf("loops = %+v", rep.Loops)
	}
	if len(rep.Skipped) != 2 || rep.Skipped[0].Loop != 3 || rep.Skipped[1].Loop != 4 {
		t.Errorf("skipped = %+v", rep.Skipped)
	}
	if len(rep.Questions) != 2 {
		t.Fatalf("questions = %+v", rep.Questions)
	}
	q1 := rep.Questions[0]
	if q1.ID != 1 || !almost(q1.AvgScore, 8) || q1.MinScore != 6 || q1.Best != 10 {
		t.Errorf("question 1 = %+v", q1)
	}
	if !almost(rep.Loops[0].AvgScore, 7) || !almost(rep.Loops[1].AvgScore, 3) {
		t.Errorf("loop averages = %v, %v", rep.Loops[0].AvgScore, rep.Loops[1].AvgScore)
	}
	if rep.Tags["geo"].Results != 4 {
		t.Errorf("tags = %+v", rep.Tags)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"260101_090000", "260102_090000", "260101_120000"} {
		writeLoop(t, filepath.Join(root, name), 1, []testrun.Result{result(1, 5)})
	}
	if err := os.MkdirAll(filepath.Join(root, "not-a-run"), 0o755); err != nil {
		t.Fatal(err)
	}

	runs, err := ListRuns(root)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, r := range runs {
		names = append(names, r.Name)
	}
	if strings.Join(names, ",") != "260102_090000,260101_120000,260101_090000" {
		t.Errorf("runs = %v", names)
	}

	reps, err := AggregateAll(root, quietLogger())
	if err != nil || len(reps) != 3 {
		t.Fatalf("AggregateAll = %d, %v", len(reps), err)
	}
	var buf bytes.Buffer
	if err := WriteComparison(&buf, reps); err != nil {
		t.Fatal(err)
	}
	if strings.Count(buf.String(), "\n") != 5 {
		t.Errorf("comparison:\n%s", buf.String())
	}
}

func TestWriteMarkdown(t *testing.T) {
	runDir := t.TempDir()
	writeLoop(t, runDir, 1, []testrun.Result{result(1, 9), {ID: 2, Tag: "hr", Question: "a | b", MaxScore: 10, ModelAnswer: testrun.FailedAnswer}})

	rep, err := Aggregate(runDir, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteMarkdown(&buf, rep); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"## Overall", "## Loops", "## Tags", `a \| b`, "| 2 | 4.50 | 9.0 | 20.0 | 45.0% | 1 |"} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q:\n%s", want, out)
		}
	}
}

func TestExportSQLite(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "260101_090000")
	writeLoop(t, runDir, 1, []testrun.Result{result(1, 10), result(2, 8)})
	writeLoop(t, runDir, 2, []testrun.Result{result(1, 6), result(2, 4)})
	rep, err := Aggregate(runDir, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "report.db")
	ctx := context.Background()
	if err := ExportSQLite(ctx, path, rep); err != nil {
		t.Fatalf("ExportSQLite: %v", err)
	}
	// A second export replaces the run instead of failing on the key.
	if err := ExportSQLite(ctx, path, rep); err != nil {
		t.Fatalf("second ExportSQLite: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var runs, loops, questions int
	var avg float64
	if err := db.QueryRow(`SELECT COUNT(*), MAX(avg_score) FROM runs`).Scan(&runs, &avg); err != nil {
		t.Fatal(err)
	}
	_ = db.QueryRow(`SELECT COUNT(*) FROM loops`).Scan(&loops)
	_ = db.QueryRow(`SELECT COUNT(*) FROM questions`).Scan(&questions)
	if runs != 1 || loops != 2 || questions != 2 || !almost(avg, 7) {
		t.Errorf("runs=%d loops=%d questions=%d avg=%v", runs, loops, questions, avg)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatMarkdown, "md": FormatMarkdown, "JSON": FormatJSON, "txt": FormatText} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("pdf"); err == nil {
		t.Error("expected error for pdf")
	}
}
