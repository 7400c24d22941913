package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/haasonsaas/ragbench/internal/llm"
)

// BedrockConfig configures the Bedrock provider. Credentials fall back to
// the default AWS chain when the keys are empty.
type BedrockConfig struct {
	// Default: us-east-1
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// BedrockProvider implements llm.Provider using the Converse API.
type BedrockProvider struct {
	client *bedrockruntime.Client
}

var _ llm.Provider = (*BedrockProvider)(nil)

// NewBedrockProvider creates the provider.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}
	return &BedrockProvider{client: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

// Name returns the provider id.
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// Complete streams one chat turn.
func (p *BedrockProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.Chunk, error) {
	messages, err := toBedrockMessages(req.Messages)
	if err != nil {
		return nil, llm.NewProviderError("bedrock", req.Model, err).WithReason(llm.ReasonInvalidRequest)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(float32(req.Config.Temperature)),
		},
	}
	if req.Config.TopP > 0 {
		input.InferenceConfig.TopP = aws.Float32(float32(req.Config.TopP))
	}
	if req.Config.MaxTokens > 0 {
		input.InferenceConfig.MaxTokens = aws.Int32(int32(min(req.Config.MaxTokens, math.MaxInt32)))
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = toBedrockTools(req.Tools)
	}

	out, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, wrapBedrockError(err, req.Model)
	}

	chunks := make(chan *llm.Chunk)
	go p.processStream(ctx, out, chunks, req.Model)
	return chunks, nil
}

func (p *BedrockProvider) processStream(ctx context.Context, out *bedrockruntime.ConverseStreamOutput, chunks chan<- *llm.Chunk, model string) {
	defer close(chunks)
	stream := out.GetStream()
	defer stream.Close()

	var current *llm.ToolCall
	var input strings.Builder
	var usage *llm.Usage
	var finish string

	emitTool := func() {
		if current == nil {
			return
		}
		current.Arguments = input.String()
		if strings.TrimSpace(current.Arguments) == "" {
			current.Arguments = "{}"
		}
		chunks <- &llm.Chunk{ToolCall: current}
		current = nil
		input.Reset()
	}

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			chunks <- &llm.Chunk{Error: ctx.Err(), Done: true}
			return
		case event, ok := <-events:
			if !ok {
				emitTool()
				if err := stream.Err(); err != nil {
					chunks <- &llm.Chunk{Error: wrapBedrockError(err, model), Done: true}
					return
				}
				chunks <- &llm.Chunk{Done: true, Usage: usage, Finish: finish}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					current = &llm.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
					}
					input.Reset()
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						chunks <- &llm.Chunk{Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						input.WriteString(*delta.Value.Input)
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				emitTool()
			case *types.ConverseStreamOutputMemberMessageStop:
				finish = string(ev.Value.StopReason)
			case *types.ConverseStreamOutputMemberMetadata:
				if u := ev.Value.Usage; u != nil {
					usage = &llm.Usage{
						PromptTokens:     int(aws.ToInt32(u.InputTokens)),
						CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
						TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
					}
				}
			}
		}
	}
}

func toBedrockMessages(messages []llm.Message) ([]types.Message, error) {
	var out []types.Message
	var results []types.ContentBlock
	flush := func() {
		if len(results) > 0 {
			out = append(out, types.Message{Role: types.ConversationRoleUser, Content: results})
			results = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleTool:
			block := types.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
			}
			if strings.HasPrefix(m.Content, "error: ") {
				block.Status = types.ToolResultStatusError
			}
			results = append(results, &types.ContentBlockMemberToolResult{Value: block})
			continue
		}
		flush()

		var content []types.ContentBlock
		if m.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			if strings.TrimSpace(tc.Arguments) != "" {
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
			}
			if args == nil {
				args = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(args),
				},
			})
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == llm.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	flush()
	return out, nil
}

func toBedrockTools(tools []llm.ToolDefinition) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Parameters) == 0 || json.Unmarshal(t.Parameters, &schema) != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

func wrapBedrockError(err error, model string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return llm.NewProviderError("bedrock", model, err)
}
