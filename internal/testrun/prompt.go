package testrun

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/haasonsaas/ragbench/internal/rag/vectorstore"
)

// DefaultWorkPrompt wraps the question with retrieved reference material.
const DefaultWorkPrompt = `Answer the question using the reference material below. If the material does not contain the answer, say so.

Reference material:
{{context}}

Question: {{question}}`

// DefaultJudgePrompt asks for a bare numeric grade.
const DefaultJudgePrompt = `You are a strict grader. Compare the candidate answer with the reference answer for the question below.

Question: {{question}}

Reference answer: {{reference}}

Candidate answer: {{answer}}

Score the candidate from 0 to {{max_score}}. Reply with the number only.`

var scorePattern = regexp.MustCompile(`[-+]?[0-9]*\.?[0-9]+`)

// fill replaces template placeholders.
func fill(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// workPrompt returns the raw question when there is no context.
func workPrompt(template, question string, docs []vectorstore.Document) string {
	context := BuildContext(docs)
	if context == "" {
		return question
	}
	return fill(template, map[string]string{"question": question, "context": context})
}

func judgePrompt(template, question, reference, answer string, maxScore float64) string {
	return fill(template, map[string]string{
		"question":  question,
		"reference": reference,
		"answer":    answer,
		"max_score": strconv.FormatFloat(maxScore, 'f', -1, 64),
	})
}

// BuildContext formats documents as a numbered reference list.
func BuildContext(docs []vectorstore.Document) string {
	if len(docs) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		source := doc.Source()
		if source == "" {
			source = "Document"
		}
		fmt.Fprintf(&sb, "[%d] %s", i+1, source)
		if doc.Similarity != nil {
			fmt.Fprintf(&sb, " (score: %.2f)", *doc.Similarity)
		}
		sb.WriteString("\n")
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

// parseScore extracts the first number of a judge reply and clamps it to
// [0, maxScore].
func parseScore(text string, maxScore float64) (float64, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, fmt.Errorf("empty judge response")
	}
	match := scorePattern.FindString(trimmed)
	if match == "" {
		return 0, fmt.Errorf("no numeric score in response: %q", trimmed)
	}
	val, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid score %q: %w", match, err)
	}
	if val < 0 {
		val = 0
	}
	if maxScore > 0 && val > maxScore {
		val = maxScore
	}
	return val, nil
}
