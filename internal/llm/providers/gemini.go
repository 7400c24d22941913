package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"
	"github.com/haasonsaas/ragbench/internal/llm"
	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// IncludeThoughts asks thinking models to return their reasoning.
	IncludeThoughts bool `yaml:"include_thoughts"`
}

type geminiStreamFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// GeminiProvider implements llm.Provider using the Gemini API.
type GeminiProvider struct {
	stream          geminiStreamFunc
	includeThoughts bool
}

var _ llm.Provider = (*GeminiProvider)(nil)

// NewGeminiProvider creates the provider.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	clientCfg := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{stream: client.Models.GenerateContentStream, includeThoughts: cfg.IncludeThoughts}, nil
}

// Name returns the provider id.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Complete streams one chat turn.
func (p *GeminiProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.Chunk, error) {
	contents, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, llm.NewProviderError("gemini", req.Model, err).WithReason(llm.ReasonInvalidRequest)
	}
	cfg := p.generateConfig(req)

	chunks := make(chan *llm.Chunk)
	go func() {
		defer close(chunks)
		var usage *llm.Usage
		var finish string
		for resp, err := range p.stream(ctx, req.Model, contents, cfg) {
			if err != nil {
				chunks <- &llm.Chunk{Error: wrapGeminiError(err, req.Model), Done: true}
				return
			}
			if resp == nil {
				continue
			}
			if u := resp.UsageMetadata; u != nil {
				usage = &llm.Usage{
					PromptTokens:     int(u.PromptTokenCount),
					CompletionTokens: int(u.CandidatesTokenCount + u.ThoughtsTokenCount),
					TotalTokens:      int(u.TotalTokenCount),
				}
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			cand := resp.Candidates[0]
			if cand.FinishReason == genai.FinishReasonMalformedFunctionCall {
				cause := fmt.Errorf("%s: %s", genai.FinishReasonMalformedFunctionCall, cand.FinishMessage)
				chunks <- &llm.Chunk{
					Error: llm.NewProviderError("gemini", req.Model, cause).WithReason(llm.ReasonMalformedTool),
					Usage: usage,
					Done:  true,
				}
				return
			}
			if cand.FinishReason != "" {
				finish = string(cand.FinishReason)
			}
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if c := geminiPartChunk(part); c != nil {
					chunks <- c
				}
			}
		}
		chunks <- &llm.Chunk{Done: true, Usage: usage, Finish: finish}
	}()
	return chunks, nil
}

func (p *GeminiProvider) generateConfig(req *llm.CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(req.Config.Temperature)),
		PresencePenalty:  genai.Ptr(float32(req.Config.PresencePenalty)),
		FrequencyPenalty: genai.Ptr(float32(req.Config.FrequencyPenalty)),
	}
	if req.Config.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(req.Config.TopP))
	}
	if req.Config.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Config.MaxTokens)
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if p.includeThoughts {
		cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if len(t.Parameters) > 0 {
				decl.ParametersJsonSchema = t.Parameters
			}
			decls = append(decls, decl)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func geminiPartChunk(part *genai.Part) *llm.Chunk {
	switch {
	case part == nil:
		return nil
	case part.FunctionCall != nil:
		args, err := json.Marshal(part.FunctionCall.Args)
		if err != nil || part.FunctionCall.Args == nil {
			args = []byte("{}")
		}
		id := part.FunctionCall.ID
		if id == "" {
			id = uuid.NewString()
		}
		return &llm.Chunk{ToolCall: &llm.ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: string(args)}}
	case part.Text == "":
		return nil
	case part.Thought:
		return &llm.Chunk{Reasoning: part.Text}
	default:
		return &llm.Chunk{Text: part.Text}
	}
}

// toGeminiContents converts chat history. Consecutive tool results are
// grouped into one user turn, matching the function calls that preceded
// them.
func toGeminiContents(messages []llm.Message) ([]*genai.Content, error) {
	var out []*genai.Content
	var pendingResults []*genai.Part
	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, genai.NewContentFromParts(pendingResults, genai.RoleUser))
			pendingResults = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case llm.RoleTool:
			pendingResults = append(pendingResults, genai.NewPartFromFunctionResponse(m.Name, map[string]any{"output": m.Content}))
			continue
		case llm.RoleSystem:
			continue
		}
		flush()

		if m.Role == llm.RoleAssistant {
			var parts []*genai.Part
			if strings.TrimSpace(m.Content) != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if strings.TrimSpace(tc.Arguments) != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
						return nil, fmt.Errorf("tool call %s arguments: %w", tc.Name, err)
					}
				}
				part := genai.NewPartFromFunctionCall(tc.Name, args)
				part.FunctionCall.ID = tc.ID
				parts = append(parts, part)
			}
			if len(parts) > 0 {
				out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
			}
			continue
		}
		out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
	}
	flush()
	return out, nil
}

func wrapGeminiError(err error, model string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	pe := llm.NewProviderError("gemini", model, err)
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		pe = pe.WithStatus(apiErr.Code)
		pe.Message = apiErr.Message
	}
	return pe
}
