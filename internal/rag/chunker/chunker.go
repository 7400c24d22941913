// Package chunker splits knowledge files into retrieval-sized passages.
//
// The Adaptive chunker picks one of three strategies from the shape of the
// text: QA-structured documents are split on blank lines so a question and its
// answer stay together, paragraph-structured documents are split on blank lines
// with a larger ceiling, and everything else goes through the recursive
// character splitter.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/width"
)

// Strategy identifies which splitting tier handled a document.
type Strategy string

const (
	StrategyQA        Strategy = "qa"
	StrategyParagraph Strategy = "paragraph"
	StrategyRecursive Strategy = "recursive"
)

// MinChunkRunes is the trimmed length a chunk must exceed to be kept.
const MinChunkRunes = 10

// Config holds the size limits for each strategy. Sizes are measured in runes.
type Config struct {
	// QAMinMarkers is the marker count a document must exceed to be treated as QA.
	QAMinMarkers int `yaml:"qa_min_markers"`
	// QAMinParagraphs is the paragraph count a QA document must exceed.
	QAMinParagraphs int `yaml:"qa_min_paragraphs"`
	QAChunkSize     int `yaml:"qa_chunk_size"`
	QAChunkOverlap  int `yaml:"qa_chunk_overlap"`

	// ParagraphMin is the paragraph count at which the paragraph strategy applies.
	ParagraphMin          int `yaml:"paragraph_min"`
	ParagraphChunkSize    int `yaml:"paragraph_chunk_size"`
	ParagraphChunkOverlap int `yaml:"paragraph_chunk_overlap"`

	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// DefaultConfig returns the default chunker configuration.
func DefaultConfig() Config {
	return Config{
		QAMinMarkers:          5,
		QAMinParagraphs:       5,
		QAChunkSize:           1500,
		QAChunkOverlap:        100,
		ParagraphMin:          3,
		ParagraphChunkSize:    2000,
		ParagraphChunkOverlap: 400,
		ChunkSize:             1200,
		ChunkOverlap:          200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QAMinMarkers <= 0 {
		c.QAMinMarkers = d.QAMinMarkers
	}
	if c.QAMinParagraphs <= 0 {
		c.QAMinParagraphs = d.QAMinParagraphs
	}
	if c.QAChunkSize <= 0 {
		c.QAChunkSize = d.QAChunkSize
	}
	if c.QAChunkOverlap < 0 {
		c.QAChunkOverlap = d.QAChunkOverlap
	}
	if c.ParagraphMin <= 0 {
		c.ParagraphMin = d.ParagraphMin
	}
	if c.ParagraphChunkSize <= 0 {
		c.ParagraphChunkSize = d.ParagraphChunkSize
	}
	if c.ParagraphChunkOverlap < 0 {
		c.ParagraphChunkOverlap = d.ParagraphChunkOverlap
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = d.ChunkOverlap
	}
	return c
}

var (
	// Markers are matched after width folding, so full-width colons and
	// letters are covered by the ASCII forms.
	qaMarkerPattern = regexp.MustCompile(`(?:\b[QqAa]|问|答|問)\s*:`)
	blankLines      = regexp.MustCompile(`\n[ \t]*\n\s*`)
)

// Adaptive selects a splitting strategy per document.
type Adaptive struct {
	config    Config
	qa        *RecursiveSplitter
	paragraph *RecursiveSplitter
	fallback  *RecursiveSplitter
}

// New creates an adaptive chunker. Zero fields in cfg take their defaults.
func New(cfg Config) *Adaptive {
	cfg = cfg.withDefaults()
	return &Adaptive{
		config:    cfg,
		qa:        NewRecursiveSplitter(cfg.QAChunkSize, cfg.QAChunkOverlap),
		paragraph: NewRecursiveSplitter(cfg.ParagraphChunkSize, cfg.ParagraphChunkOverlap),
		fallback:  NewRecursiveSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
	}
}

// Config returns the effective configuration.
func (a *Adaptive) Config() Config {
	return a.config
}

// Chunk splits text into trimmed passages longer than MinChunkRunes.
func (a *Adaptive) Chunk(text string) []string {
	text = NormalizeNewlines(text)
	strategy, paragraphs := a.classify(text)

	var raw []string
	switch strategy {
	case StrategyQA:
		raw = splitOversized(paragraphs, a.qa)
	case StrategyParagraph:
		raw = splitOversized(paragraphs, a.paragraph)
	default:
		raw = a.fallback.Split(text)
	}
	return filterShort(raw)
}

// Strategy reports which tier Chunk would use for text.
func (a *Adaptive) Strategy(text string) Strategy {
	s, _ := a.classify(NormalizeNewlines(text))
	return s
}

func (a *Adaptive) classify(text string) (Strategy, []string) {
	paragraphs := Paragraphs(text)
	if CountQAMarkers(text) > a.config.QAMinMarkers && len(paragraphs) > a.config.QAMinParagraphs {
		return StrategyQA, paragraphs
	}
	if len(paragraphs) >= a.config.ParagraphMin {
		return StrategyParagraph, paragraphs
	}
	return StrategyRecursive, nil
}

// NormalizeNewlines converts CRLF and lone CR line endings to LF.
func NormalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// Paragraphs splits text on runs of blank lines and drops empty segments.
func Paragraphs(text string) []string {
	parts := blankLines.Split(text, -1)
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// CountQAMarkers counts question and answer markers such as "Q:", "A:", "问：" and "答:".
func CountQAMarkers(text string) int {
	return len(qaMarkerPattern.FindAllStringIndex(width.Fold.String(text), -1))
}

func splitOversized(segments []string, splitter *RecursiveSplitter) []string {
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if utf8.RuneCountInString(seg) > splitter.ChunkSize() {
			out = append(out, splitter.Split(seg)...)
			continue
		}
		out = append(out, seg)
	}
	return out
}

func filterShort(chunks []string) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		c = strings.TrimSpace(c)
		if utf8.RuneCountInString(c) > MinChunkRunes {
			out = append(out, c)
		}
	}
	return out
}
