package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/ragbench/internal/llm"
	"github.com/haasonsaas/ragbench/internal/report"
	"github.com/haasonsaas/ragbench/internal/testcase"
	"github.com/haasonsaas/ragbench/internal/testrun"
)

// workspace writes a config whose paths point into a temp dir.
func workspace(t *testing.T) (dir, cfgPath string) {
	t.Helper()
	t.Setenv("RAGBENCH_CONFIG", "")
	dir = t.TempDir()
	cfgPath = filepath.Join(dir, "ragbench.yaml")
	cfg := "version: 1\n" +
		"output_dir: " + filepath.Join(dir, "out") + "\n" +
		"cases_file: " + filepath.Join(dir, "cases.json") + "\n" +
		"logging:\n  level: error\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir, cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCasesLifecycle(t *testing.T) {
	dir, cfg := workspace(t)

	out, err := execute(t, "cases", "add", "-c", cfg, "--tag", "geo", "-q", "Capital of France?", "-a", "Paris")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, "Added case 1") {
		t.Errorf("add output = %q", out)
	}
	if _, err := execute(t, "cases", "add", "-c", cfg, "--tag", "hr", "-q", "Leave days?", "-a", "25"); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := execute(t, "cases", "edit", "2", "-c", cfg, "--score", "5"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	store := testcase.NewStore(filepath.Join(dir, "cases.json"))
	c, err := store.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	if c.Score != 5 || c.Answer != "25" || c.Tag != "hr" {
		t.Errorf("edited case = %+v", c)
	}

	out, err = execute(t, "cases", "list", "-c", cfg, "--tag", "geo")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "Capital of France?") || strings.Contains(out, "Leave days?") {
		t.Errorf("list output = %q", out)
	}

	if _, err := execute(t, "cases", "delete", "1", "-c", cfg); err != nil {
		t.Fatalf("delete: %v", err)
	}
	out, err = execute(t, "cases", "list", "-c", cfg, "--json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var cases []testcase.Case
	if err := json.Unmarshal([]byte(out), &cases); err != nil {
		t.Fatalf("list json: %v", err)
	}
	if len(cases) != 1 || cases[0].ID != 2 {
		t.Errorf("cases = %+v", cases)
	}
}

func TestCasesImport(t *testing.T) {
	dir, cfg := workspace(t)
	set := filepath.Join(dir, "set.yaml")
	data := `cases:
  - question: Who approves expenses?
    answer: The team lead.
  - question: Where is the office?
    answer: Berlin.
`
	if err := os.WriteFile(set, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "cases", "import", set, "-c", cfg)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "Imported 2 cases") {
		t.Errorf("output = %q", out)
	}
}

func TestMissingExplicitConfigFails(t *testing.T) {
	t.Setenv("RAGBENCH_CONFIG", "")
	if _, err := execute(t, "cases", "list", "-c", filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestConfigValidate(t *testing.T) {
	_, cfg := workspace(t)
	out, err := execute(t, "config", "validate", "-c", cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("output = %q", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("version: 1\nvector_store:\n  backend: redis\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "config", "validate", "-c", bad); err == nil {
		t.Fatal("expected validation error")
	}
}

// writeRun lays out a run directory with one loop of results.
func writeRun(t *testing.T, root, name string, results []testrun.Result) string {
	t.Helper()
	runDir := filepath.Join(root, name)
	loopDir := filepath.Join(runDir, "1")
	if err := os.MkdirAll(loopDir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(results)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(loopDir, testrun.ResultsFile), data, 0o644); err != nil {
		t.Fatal(err)
	}
	return runDir
}

func TestReportAggregateAndPromote(t *testing.T) {
	dir, cfg := workspace(t)
	if _, err := execute(t, "cases", "add", "-c", cfg, "-q", "Capital of France?", "-a", "paris"); err != nil {
		t.Fatal(err)
	}
	runDir := writeRun(t, filepath.Join(dir, "out"), "20250101-120000", []testrun.Result{{
		ID:             1,
		Question:       "Capital of France?",
		StandardAnswer: "paris",
		ModelAnswer:    "Paris is the capital.",
		MaxScore:       10,
		Score:          8,
		WorkTokenUsage: llm.Usage{TotalTokens: 40},
		DatabaseName:   "chromem",
	}})

	out, err := execute(t, "report", "aggregate", runDir, "-c", cfg, "-f", "json")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	var rep report.RunReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if rep.Overall.Results != 1 || rep.Overall.TotalScore != 8 {
		t.Errorf("overall = %+v", rep.Overall)
	}

	out, err = execute(t, "report", "runs", "-c", cfg)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "20250101-120000") {
		t.Errorf("runs output = %q", out)
	}

	if _, err := execute(t, "report", "aggregate", "-c", cfg); err == nil {
		t.Error("expected error without run dir or --all")
	}

	if _, err := execute(t, "cases", "promote", runDir, "1", "-c", cfg); err != nil {
		t.Fatalf("promote: %v", err)
	}
	c, err := testcase.NewStore(filepath.Join(dir, "cases.json")).Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if c.Answer != "Paris is the capital." {
		t.Errorf("answer = %q", c.Answer)
	}
}

func TestSelectCases(t *testing.T) {
	all := []testcase.Case{
		{ID: 1, Tag: "geo"},
		{ID: 2, Tag: "hr"},
		{ID: 3, Tag: "Geo"},
	}
	tests := []struct {
		name string
		ids  []int
		tag  string
		want []int
	}{
		{"all", nil, "", []int{1, 2, 3}},
		{"tag is case insensitive", nil, "geo", []int{1, 3}},
		{"ids", []int{2, 3}, "", []int{2, 3}},
		{"ids and tag", []int{1, 2}, "hr", []int{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectCases(all, tt.ids, tt.tag)
			var ids []int
			for _, c := range got {
				ids = append(ids, c.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("ids = %v, want %v", ids, tt.want)
				}
			}
		})
	}
}

func TestPrintEvent(t *testing.T) {
	progress := 40
	score, maxScore := 7.0, 10.0
	tests := []struct {
		ev   testrun.Event
		want string
	}{
		{testrun.Event{Type: testrun.EventUpdate, Progress: &progress, CurrentTask: "loop 1", ActiveTaskMessage: "case 2"}, "[ 40%] loop 1 case 2\n"},
		{testrun.Event{Type: testrun.EventStateUpdate, QuestionID: 2, QuestionText: "q", Score: &score, MaxScore: &maxScore}, "#2 q  score 7/10\n"},
		{testrun.Event{Type: testrun.EventTokenUsage, TokenUsage: &testrun.TokenUsage{Work: llm.Usage{TotalTokens: 3}, Total: 3}}, "tokens: work 3, judge 0, total 3\n"},
		{testrun.Event{Type: testrun.EventError, Message: "boom"}, "error: boom\n"},
	}
	for _, tt := range tests {
		var b bytes.Buffer
		printEvent(&b, tt.ev)
		if b.String() != tt.want {
			t.Errorf("printEvent(%s) = %q, want %q", tt.ev.Type, b.String(), tt.want)
		}
	}
}

func TestQuietPrinterKeepsTerminalEvents(t *testing.T) {
	var b bytes.Buffer
	emit := eventPrinter(&b, runOptions{quiet: true})
	emit(testrun.Event{Type: testrun.EventLog, Message: "noise"})
	emit(testrun.Event{Type: testrun.EventDone, Message: "finished"})
	if b.String() != "finished\n" {
		t.Errorf("output = %q", b.String())
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := confirm(strings.NewReader(tt.in), io.Discard, "? "); got != tt.want {
			t.Errorf("confirm(%q) = %v", tt.in, got)
		}
	}
}
