package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/haasonsaas/ragbench/internal/llm"
	"github.com/haasonsaas/ragbench/internal/testrun"
)

// Category is the outcome class of one logged conversation.
type Category string

const (
	CategoryCorrect            Category = "correct"
	CategoryWrong              Category = "wrong"
	CategoryMalformed          Category = "malformed"
	CategoryModelFailure       Category = "model_failure"
	CategoryRefusal            Category = "refusal"
	CategoryNoStepSummary      Category = "no_step_summary"
	CategoryPlanAsAnswer       Category = "plan_as_answer"
	CategoryEmptyAfterTool     Category = "empty_after_tool"
	CategoryReasonedImpossible Category = "reasoned_impossible"
	CategoryMissingToolCall    Category = "missing_tool_call"
)

// Categories lists every category in report order.
func Categories() []Category {
	return []Category{
		CategoryCorrect, CategoryWrong,
		CategoryMalformed, CategoryModelFailure,
		CategoryRefusal, CategoryNoStepSummary, CategoryPlanAsAnswer,
		CategoryEmptyAfterTool, CategoryReasonedImpossible, CategoryMissingToolCall,
	}
}

var categoryLabels = map[Category]string{
	CategoryCorrect:            "final reply correct",
	CategoryWrong:              "final reply wrong",
	CategoryMalformed:          "malformed function call",
	CategoryModelFailure:       "model call failed",
	CategoryRefusal:            "refused to reason",
	CategoryNoStepSummary:      "no step summary",
	CategoryPlanAsAnswer:       "plan given as final answer",
	CategoryEmptyAfterTool:     "empty reply after tool call",
	CategoryReasonedImpossible: "reasoned it is impossible",
	CategoryMissingToolCall:    "reply lacks function call info",
}

// Answered reports whether the category reached a final reply.
func (c Category) Answered() bool {
	return c == CategoryCorrect || c == CategoryWrong
}

// Rules control log classification. Token matches are case-insensitive;
// markers are matched exactly.
type Rules struct {
	// ModelTurnMarker starts every model turn in the log.
	// Default: "--- model answer ---"
	ModelTurnMarker string `yaml:"model_turn_marker"`

	// FinalReplyMarker precedes the final reply.
	// Default: "--- final reply ---"
	FinalReplyMarker string `yaml:"final_reply_marker"`

	// ToolCallMarker is written for each tool call.
	// Default: "functionCall"
	ToolCallMarker string `yaml:"tool_call_marker"`

	// MalformedMarker is written when the provider rejected a tool call.
	// Default: "MALFORMED_FUNCTION_CALL"
	MalformedMarker string `yaml:"malformed_marker"`

	// FailureMarker is written when every model attempt failed.
	// Default: "N/A (call failed)"
	FailureMarker string `yaml:"failure_marker"`

	// MinModelTurns is the number of model turns an answered conversation
	// needs.
	// Default: 2
	MinModelTurns int `yaml:"min_model_turns"`

	// RequiredTokens must all appear in a final reply for it to count.
	RequiredTokens []string `yaml:"required_tokens"`

	// CorrectToken must appear CorrectCount times in a final reply for it
	// to be correct. Empty treats every final reply as correct.
	CorrectToken string `yaml:"correct_token"`

	// Default: 2
	CorrectCount int `yaml:"correct_count"`

	// RefusalTokens must all appear for a refusal.
	// Default: ["sorry", "unable"]
	RefusalTokens []string `yaml:"refusal_tokens"`

	// Default: "I cannot"
	ImpossibleToken string `yaml:"impossible_token"`
}

// DefaultRules returns rules matching the transcripts written by a run.
func DefaultRules() Rules {
	return Rules{}.withDefaults()
}

func (r Rules) withDefaults() Rules {
	if r.ModelTurnMarker == "" {
		r.ModelTurnMarker = llm.LogModelTurn
	}
	if r.FinalReplyMarker == "" {
		r.FinalReplyMarker = llm.LogFinalReply
	}
	if r.ToolCallMarker == "" {
		r.ToolCallMarker = llm.LogToolCall
	}
	if r.MalformedMarker == "" {
		r.MalformedMarker = llm.LogMalformed
	}
	if r.FailureMarker == "" {
		r.FailureMarker = testrun.FailedAnswer
	}
	if r.MinModelTurns <= 0 {
		r.MinModelTurns = 2
	}
	if r.CorrectCount <= 0 {
		r.CorrectCount = 2
	}
	if len(r.RefusalTokens) == 0 {
		r.RefusalTokens = []string{"sorry", "unable"}
	}
	if r.ImpossibleToken == "" {
		r.ImpossibleToken = "I cannot"
	}
	return r
}

// Classify assigns a category to one conversation transcript.
func (r Rules) Classify(content string) Category {
	r = r.withDefaults()
	lower := strings.ToLower(content)

	turns := strings.Count(content, r.ModelTurnMarker)
	final := ""
	if parts := strings.Split(content, r.FinalReplyMarker); len(parts) > 1 {
		final = strings.TrimSpace(parts[len(parts)-1])
	}
	finalLower := strings.ToLower(final)

	if turns >= r.MinModelTurns && final != "" && containsAll(finalLower, r.RequiredTokens) {
		if r.CorrectToken == "" || strings.Count(finalLower, strings.ToLower(r.CorrectToken)) >= r.CorrectCount {
			return CategoryCorrect
		}
		return CategoryWrong
	}

	switch {
	case strings.Contains(content, r.MalformedMarker):
		return CategoryMalformed
	case strings.Contains(content, r.FailureMarker):
		return CategoryModelFailure
	case !strings.Contains(content, r.ToolCallMarker):
		switch {
		case containsAll(lower, r.RefusalTokens):
			return CategoryRefusal
		case final == "":
			return CategoryNoStepSummary
		default:
			return CategoryPlanAsAnswer
		}
	case final == "":
		return CategoryEmptyAfterTool
	case strings.Contains(lower, strings.ToLower(r.ImpossibleToken)):
		return CategoryReasonedImpossible
	default:
		return CategoryMissingToolCall
	}
}

func containsAll(s string, tokens []string) bool {
	for _, t := range tokens {
		if !strings.Contains(s, strings.ToLower(t)) {
			return false
		}
	}
	return true
}

// LogAnalysis is the classification of every conversation in a run.
type LogAnalysis struct {
	Dir    string                `json:"dir"`
	Total  int                   `json:"total"`
	Counts map[Category]int      `json:"counts"`
	Units  map[Category][]string `json:"units"`
}

// Percent returns the share of c in percent.
func (a *LogAnalysis) Percent(c Category) float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Counts[c]) / float64(a.Total) * 100
}

// Answered counts conversations that reached a final reply.
func (a *LogAnalysis) Answered() int {
	return a.Counts[CategoryCorrect] + a.Counts[CategoryWrong]
}

func (a *LogAnalysis) add(unit string, c Category) {
	a.Total++
	a.Counts[c]++
	a.Units[c] = append(a.Units[c], unit)
}

var caseHeaderPattern = regexp.MustCompile(
	"(?m)^" + strings.NewReplacer("%d", `(\d+)`).Replace(regexp.QuoteMeta(testrun.CaseHeaderFormat)) + "$")

// AnalyzeLogs classifies the log.txt of every loop under runDir. Each case
// section is one unit named "loop/case"; a log without case headers is one
// unit named after its loop.
func AnalyzeLogs(runDir string, rules Rules) (*LogAnalysis, error) {
	loops, err := testrun.LoopDirs(runDir)
	if err != nil {
		return nil, fmt.Errorf("read run dir: %w", err)
	}
	rules = rules.withDefaults()
	a := &LogAnalysis{
		Dir:    runDir,
		Counts: make(map[Category]int),
		Units:  make(map[Category][]string),
	}
	for _, loop := range loops {
		data, err := os.ReadFile(filepath.Join(runDir, strconv.Itoa(loop), testrun.LogFile))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			a.add(strconv.Itoa(loop), CategoryMissingToolCall)
			continue
		}
		for _, sec := range splitCases(string(data)) {
			unit := strconv.Itoa(loop)
			if sec.id != "" {
				unit += "/" + sec.id
			}
			a.add(unit, rules.Classify(sec.body))
		}
	}
	return a, nil
}

type section struct {
	id   string
	body string
}

func splitCases(content string) []section {
	idx := caseHeaderPattern.FindAllStringSubmatchIndex(content, -1)
	if len(idx) == 0 {
		return []section{{body: content}}
	}
	out := make([]section, 0, len(idx))
	for i, m := range idx {
		end := len(content)
		if i+1 < len(idx) {
			end = idx[i+1][0]
		}
		out = append(out, section{id: content[m[4]:m[5]], body: content[m[1]:end]})
	}
	return out
}

// WriteText renders an analysis grouped the way the categories nest.
func (a *LogAnalysis) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversations analyzed: %d (%s)\n\n", a.Total, a.Dir)

	line := func(indent string, c Category) {
		fmt.Fprintf(&b, "%s%s: %d (%.2f%%)\n", indent, categoryLabels[c], a.Counts[c], a.Percent(c))
		if units := a.Units[c]; len(units) > 0 {
			fmt.Fprintf(&b, "%s    %s\n", indent, strings.Join(sortUnits(units), " "))
		}
	}

	answered := a.Answered()
	fmt.Fprintf(&b, "Final reply reached: %d (%.2f%%)\n", answered, pct(answered, a.Total))
	line("  ", CategoryCorrect)
	line("  ", CategoryWrong)

	fmt.Fprintf(&b, "\nNo final reply: %d (%.2f%%)\n", a.Total-answered, pct(a.Total-answered, a.Total))
	line("  ", CategoryMalformed)
	line("  ", CategoryModelFailure)
	direct := a.Counts[CategoryRefusal] + a.Counts[CategoryNoStepSummary] + a.Counts[CategoryPlanAsAnswer]
	fmt.Fprintf(&b, "  answered without tools: %d\n", direct)
	line("    ", CategoryRefusal)
	line("    ", CategoryNoStepSummary)
	line("    ", CategoryPlanAsAnswer)
	stopped := a.Counts[CategoryEmptyAfterTool] + a.Counts[CategoryReasonedImpossible] + a.Counts[CategoryMissingToolCall]
	fmt.Fprintf(&b, "  stopped after tools: %d\n", stopped)
	line("    ", CategoryEmptyAfterTool)
	line("    ", CategoryReasonedImpossible)
	line("    ", CategoryMissingToolCall)

	_, err := io.WriteString(w, b.String())
	return err
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// sortUnits orders "loop/case" names numerically.
func sortUnits(units []string) []string {
	out := slices.Clone(units)
	key := func(s string) (int, int) {
		l, c, _ := strings.Cut(s, "/")
		ln, _ := strconv.Atoi(l)
		cn, _ := strconv.Atoi(c)
		return ln, cn
	}
	slices.SortFunc(out, func(x, y string) int {
		xl, xc := key(x)
		yl, yc := key(y)
		if xl != yl {
			return xl - yl
		}
		return xc - yc
	})
	return out
}
