// Package providers contains chat providers for the llm client.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/haasonsaas/ragbench/internal/llm"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// Name registers the provider under a different id, e.g. "deepseek".
	// Default: openai
	Name string `yaml:"name"`
}

// OpenAIProvider implements llm.Provider for the OpenAI chat API and any
// server that speaks it.
type OpenAIProvider struct {
	name   string
	client *openai.Client
}

var _ llm.Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates the provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{name: name, client: openai.NewClientWithConfig(clientCfg)}
}

// Name returns the provider id.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Complete streams one chat turn.
func (p *OpenAIProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:            req.Model,
		Messages:         toOpenAIMessages(req.System, req.Messages),
		Temperature:      float32(req.Config.Temperature),
		TopP:             float32(req.Config.TopP),
		PresencePenalty:  float32(req.Config.PresencePenalty),
		FrequencyPenalty: float32(req.Config.FrequencyPenalty),
		Stream:           true,
		StreamOptions:    &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Config.MaxTokens > 0 {
		chatReq.MaxTokens = req.Config.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	chunks := make(chan *llm.Chunk)
	go p.processStream(ctx, stream, chunks, req.Model)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *llm.Chunk, model string) {
	defer close(chunks)
	defer stream.Close()

	calls := map[int]*llm.ToolCall{}
	var usage *llm.Usage
	var finish string

	for {
		if ctx.Err() != nil {
			chunks <- &llm.Chunk{Error: ctx.Err(), Done: true}
			return
		}

		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			for _, tc := range orderedCalls(calls) {
				chunks <- &llm.Chunk{ToolCall: tc}
			}
			chunks <- &llm.Chunk{Done: true, Usage: usage, Finish: finish}
			return
		}
		if err != nil {
			chunks <- &llm.Chunk{Error: p.wrapError(err, model), Done: true}
			return
		}

		if resp.Usage != nil {
			usage = &llm.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
		delta := choice.Delta
		if delta.ReasoningContent != "" {
			chunks <- &llm.Chunk{Reasoning: delta.ReasoningContent}
		}
		if delta.Content != "" {
			chunks <- &llm.Chunk{Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := calls[index]
			if call == nil {
				call = &llm.ToolCall{}
				calls[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
	}
}

func orderedCalls(calls map[int]*llm.ToolCall) []*llm.ToolCall {
	indices := make([]int, 0, len(calls))
	for i := range calls {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	out := make([]*llm.ToolCall, 0, len(indices))
	for _, i := range indices {
		if tc := calls[i]; tc.Name != "" {
			out = append(out, tc)
		}
	}
	return out
}

func toOpenAIMessages(system string, messages []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case llm.RoleAssistant:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case llm.RoleTool:
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(tools []llm.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	pe := llm.NewProviderError(p.name, model, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe = pe.WithStatus(apiErr.HTTPStatusCode)
		pe.Message = apiErr.Message
		return pe
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return pe.WithStatus(reqErr.HTTPStatusCode)
	}
	return pe
}
