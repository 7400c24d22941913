package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/haasonsaas/ragbench/internal/llm"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// DefaultMaxTokens is sent when a request does not set max_tokens; the
	// Messages API requires one.
	// Default: 4096
	DefaultMaxTokens int `yaml:"default_max_tokens"`
}

// AnthropicProvider implements llm.Provider using the Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	maxTokens int
}

var _ llm.Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates the provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.DefaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...), maxTokens: maxTokens}, nil
}

// Name returns the provider id.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete streams one chat turn.
func (p *AnthropicProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.Chunk, error) {
	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, llm.NewProviderError("anthropic", req.Model, err).WithReason(llm.ReasonInvalidRequest)
	}
	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Config.Temperature),
	}
	if req.Config.TopP > 0 {
		params.TopP = anthropic.Float(req.Config.TopP)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, llm.NewProviderError("anthropic", req.Model, err).WithReason(llm.ReasonInvalidRequest)
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan *llm.Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		var current *llm.ToolCall
		var input strings.Builder
		var usage llm.Usage
		var finish string

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				usage.PromptTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					current = &llm.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					input.Reset()
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						chunks <- &llm.Chunk{Text: delta.Text}
					}
				case "thinking_delta":
					if delta.Thinking != "" {
						chunks <- &llm.Chunk{Reasoning: delta.Thinking}
					}
				case "input_json_delta":
					input.WriteString(delta.PartialJSON)
				}
			case "content_block_stop":
				if current != nil {
					current.Arguments = input.String()
					if strings.TrimSpace(current.Arguments) == "" {
						current.Arguments = "{}"
					}
					chunks <- &llm.Chunk{ToolCall: current}
					current = nil
				}
			case "message_delta":
				md := event.AsMessageDelta()
				usage.CompletionTokens = int(md.Usage.OutputTokens)
				finish = string(md.Delta.StopReason)
			case "message_stop":
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				chunks <- &llm.Chunk{Done: true, Usage: &usage, Finish: finish}
				return
			}
		}
		if err := stream.Err(); err != nil {
			chunks <- &llm.Chunk{Error: wrapAnthropicError(err, req.Model), Done: true}
			return
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		chunks <- &llm.Chunk{Done: true, Usage: &usage, Finish: finish}
	}()
	return chunks, nil
}

// toAnthropicMessages converts chat history. Tool results become
// tool_result blocks in a user turn; consecutive results share one turn.
func toAnthropicMessages(messages []llm.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	var results []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleTool:
			isErr := strings.HasPrefix(m.Content, "error: ")
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, isErr))
			continue
		}
		flush()

		var content []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if strings.TrimSpace(tc.Arguments) != "" {
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
			}
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if m.Role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	flush()
	return out, nil
}

func toAnthropicTools(tools []llm.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}

func wrapAnthropicError(err error, model string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	pe := llm.NewProviderError("anthropic", model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe = pe.WithStatus(apiErr.StatusCode)
	}
	return pe
}
