package report

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
)

// Format is an output format for reports.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatText     Format = "text"
)

// ParseFormat accepts md as an alias for markdown.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "markdown", "md":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	case "text", "txt":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// WriteJSON encodes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteMarkdown renders one run report.
func WriteMarkdown(w io.Writer, rep *RunReport) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run %s\n\n", rep.Run)
	fmt.Fprintf(&b, "- Database: %s\n", orDash(rep.Database))
	fmt.Fprintf(&b, "- Embedding model: %s\n", orDash(rep.Embedding))
	fmt.Fprintf(&b, "- Rerank model: %s\n", orDash(rep.Rerank))
	if m := rep.Manifest; m != nil {
		fmt.Fprintf(&b, "- Work model: %s\n", orDash(m.WorkModel))
		fmt.Fprintf(&b, "- Judge model: %s\n", orDash(m.JudgeModel))
		if m.Cancelled {
			b.WriteString("- Status: cancelled\n")
		}
	}
	b.WriteString("\n## Overall\n\n")
	o := rep.Overall
	fmt.Fprintf(&b, "| Results | Average | Total | Max | Percent | Failed | Work tokens | Score tokens |\n")
	fmt.Fprintf(&b, "|---|---|---|---|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %d | %.2f | %.1f | %.1f | %.1f%% | %d | %d | %d |\n",
		o.Results, o.AvgScore, o.TotalScore, o.MaxTotal, o.Percent, o.Failed,
		o.WorkTokens.TotalTokens, o.ScoreTokens.TotalTokens)

	if len(rep.Loops) > 0 {
		b.WriteString("\n## Loops\n\n")
		b.WriteString("| Loop | Results | Average | Total | Percent | Failed | Avg work ms |\n")
		b.WriteString("|---|---|---|---|---|---|---|\n")
		for _, l := range rep.Loops {
			fmt.Fprintf(&b, "| %d | %d | %.2f | %.1f | %.1f%% | %d | %.0f |\n",
				l.Loop, l.Results, l.AvgScore, l.TotalScore, l.Percent, l.Failed, l.AvgWorkMillis)
		}
	}

	if len(rep.Tags) > 1 {
		b.WriteString("\n## Tags\n\n")
		b.WriteString("| Tag | Results | Average | Percent |\n")
		b.WriteString("|---|---|---|---|\n")
		tags := make([]string, 0, len(rep.Tags))
		for tag := range rep.Tags {
			tags = append(tags, tag)
		}
		slices.Sort(tags)
		for _, tag := range tags {
			t := rep.Tags[tag]
			fmt.Fprintf(&b, "| %s | %d | %.2f | %.1f%% |\n", escapeCell(tag), t.Results, t.AvgScore, t.Percent)
		}
	}

	if len(rep.Questions) > 0 {
		b.WriteString("\n## Questions\n\n")
		b.WriteString("| ID | Question | Average | Min | Best | Max | Scores |\n")
		b.WriteString("|---|---|---|---|---|---|---|\n")
		for _, q := range rep.Questions {
			scores := make([]string, len(q.Scores))
			for i, s := range q.Scores {
				scores[i] = fmt.Sprintf("%g", s)
			}
			fmt.Fprintf(&b, "| %d | %s | %.2f | %g | %g | %g | %s |\n",
				q.ID, escapeCell(truncate(q.Question, 80)), q.AvgScore, q.MinScore, q.Best, q.MaxScore,
				strings.Join(scores, ", "))
		}
	}

	if len(rep.Skipped) > 0 {
		b.WriteString("\n## Skipped loops\n\n")
		for _, s := range rep.Skipped {
			fmt.Fprintf(&b, "- loop %d: %s\n", s.Loop, s.Reason)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteComparison renders one row per run.
func WriteComparison(w io.Writer, reps []*RunReport) error {
	var b strings.Builder
	b.WriteString("| Run | Database | Embedding | Rerank | Loops | Results | Average | Percent | Failed |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|---|\n")
	for _, r := range reps {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d | %d | %.2f | %.1f%% | %d |\n",
			r.Run, orDash(r.Database), orDash(r.Embedding), orDash(r.Rerank),
			len(r.Loops), r.Overall.Results, r.Overall.AvgScore, r.Overall.Percent, r.Overall.Failed)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteRuns renders a run listing.
func WriteRuns(w io.Writer, runs []RunInfo) error {
	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "%s\t%d loop(s)", r.Name, r.Loops)
		if m := r.Manifest; m != nil {
			fmt.Fprintf(&b, "\t%d/%d cases\t%s", m.Completed, m.Loops*m.Cases, orDash(m.DatabaseName))
			if m.Cancelled {
				b.WriteString("\tcancelled")
			}
		}
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
