package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/ragbench/internal/llm"
)

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	// Default: http://localhost:11434
	BaseURL string `yaml:"base_url"`
	// Timeout bounds the HTTP exchange. The llm client applies its own
	// request timeout on top.
	// Default: 2m
	Timeout time.Duration `yaml:"timeout"`
}

// OllamaProvider implements llm.Provider for a local Ollama server.
// Reasoning wrapped in <think></think> is split out of the answer text.
type OllamaProvider struct {
	client  *http.Client
	baseURL string
}

var _ llm.Provider = (*OllamaProvider)(nil)

// NewOllamaProvider creates the provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaProvider{client: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

// Name returns the provider id.
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Complete streams one chat turn from /api/chat.
func (p *OllamaProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.Chunk, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, llm.NewProviderError("ollama", req.Model, errors.New("model is required")).WithReason(llm.ReasonInvalidRequest)
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: toOllamaMessages(req.System, req.Messages),
		Options:  ollamaOptions(req.Config),
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, ollamaTool{
			Type:     "function",
			Function: ollamaFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, llm.NewProviderError("ollama", model, fmt.Errorf("marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewProviderError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llm.NewProviderError("ollama", model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, llm.NewProviderError("ollama", model,
			fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}

	chunks := make(chan *llm.Chunk)
	go p.streamResponse(ctx, resp.Body, chunks, model)
	return chunks, nil
}

func ollamaOptions(cfg llm.GenerationConfig) map[string]any {
	opts := map[string]any{
		"temperature":       cfg.Temperature,
		"presence_penalty":  cfg.PresencePenalty,
		"frequency_penalty": cfg.FrequencyPenalty,
	}
	if cfg.TopP > 0 {
		opts["top_p"] = cfg.TopP
	}
	if cfg.MaxTokens > 0 {
		opts["num_predict"] = cfg.MaxTokens
	}
	return opts
}

func (p *OllamaProvider) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- *llm.Chunk, model string) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var think thinkSplitter
	emit := func(text, reasoning string) {
		if reasoning != "" {
			out <- &llm.Chunk{Reasoning: reasoning}
		}
		if text != "" {
			out <- &llm.Chunk{Text: text}
		}
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			out <- &llm.Chunk{Error: ctx.Err(), Done: true}
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- &llm.Chunk{Error: llm.NewProviderError("ollama", model, fmt.Errorf("decode response: %w", err)), Done: true}
			return
		}
		if resp.Error != "" {
			out <- &llm.Chunk{Error: llm.NewProviderError("ollama", model, errors.New(resp.Error)), Done: true}
			return
		}
		if resp.Message != nil {
			if resp.Message.Thinking != "" {
				out <- &llm.Chunk{Reasoning: resp.Message.Thinking}
			}
			emit(think.Feed(resp.Message.Content))
			for _, tc := range resp.Message.ToolCalls {
				args := string(tc.Function.Arguments)
				if args == "" || args == "null" {
					args = "{}"
				}
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = uuid.NewString()
				}
				out <- &llm.Chunk{ToolCall: &llm.ToolCall{ID: id, Name: tc.Function.Name, Arguments: args}}
			}
		}
		if resp.Done {
			emit(think.Flush())
			out <- &llm.Chunk{
				Done:   true,
				Finish: resp.DoneReason,
				Usage: &llm.Usage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
				},
			}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = llm.NewProviderError("ollama", model, err)
		}
		out <- &llm.Chunk{Error: err, Done: true}
		return
	}
	out <- &llm.Chunk{Error: llm.NewProviderError("ollama", model, io.ErrUnexpectedEOF), Done: true}
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// thinkSplitter separates <think>…</think> segments from streamed text.
// Tags may be split across chunks, so a possible tag prefix at the end of a
// chunk is held back until the next one.
type thinkSplitter struct {
	inThink bool
	pending string
}

// Feed consumes s and returns the answer text and reasoning it completes.
func (t *thinkSplitter) Feed(s string) (text, reasoning string) {
	buf := t.pending + s
	t.pending = ""
	var answer, thought strings.Builder
	for buf != "" {
		tag := thinkOpen
		if t.inThink {
			tag = thinkClose
		}
		if i := strings.Index(buf, tag); i >= 0 {
			t.write(&answer, &thought, buf[:i])
			buf = buf[i+len(tag):]
			t.inThink = !t.inThink
			continue
		}
		keep := partialSuffix(buf, tag)
		t.write(&answer, &thought, buf[:len(buf)-keep])
		t.pending = buf[len(buf)-keep:]
		break
	}
	return answer.String(), thought.String()
}

// Flush returns whatever is held back at end of stream.
func (t *thinkSplitter) Flush() (text, reasoning string) {
	rest := t.pending
	t.pending = ""
	if t.inThink {
		return "", rest
	}
	return rest, ""
}

func (t *thinkSplitter) write(answer, thought *strings.Builder, s string) {
	if t.inThink {
		thought.WriteString(s)
	} else {
		answer.WriteString(s)
	}
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialSuffix(s, tag string) int {
	for n := len(tag) - 1; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}

// SplitThink separates a complete response into answer and reasoning.
func SplitThink(s string) (text, reasoning string) {
	var t thinkSplitter
	text, reasoning = t.Feed(s)
	restText, restReasoning := t.Flush()
	return strings.TrimSpace(text + restText), strings.TrimSpace(reasoning + restReasoning)
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ollamaTool        `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaTool struct {
	Type     string         `json:"type"`
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	DoneReason      string             `json:"done_reason"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func toOllamaMessages(system string, messages []llm.Message) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(messages)+1)
	if system = strings.TrimSpace(system); system != "" {
		out = append(out, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		msg := ollamaChatMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == "" {
			msg.Role = string(llm.RoleUser)
		}
		for _, tc := range m.ToolCalls {
			args := json.RawMessage(tc.Arguments)
			if !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			msg.ToolCalls = append(msg.ToolCalls, ollamaToolCall{
				ID:       tc.ID,
				Function: ollamaToolFunction{Name: tc.Name, Arguments: args},
			})
		}
		if m.Role == llm.RoleTool {
			msg.ToolName = m.Name
		}
		out = append(out, msg)
	}
	return out
}
