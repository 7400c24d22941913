// Package llm drives chat completions across providers, resolves MCP tool
// calls in a bounded loop and reports token usage and latency.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model request to run a tool. Arguments is a JSON object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Usage counts tokens for one or more calls.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// GenerationConfig controls sampling and the tool loop.
type GenerationConfig struct {
	Temperature      float64 `yaml:"temperature" json:"temperature"`
	TopP             float64 `yaml:"top_p" json:"top_p"`
	PresencePenalty  float64 `yaml:"presence_penalty" json:"presence_penalty"`
	FrequencyPenalty float64 `yaml:"frequency_penalty" json:"frequency_penalty"`
	MaxTokens        int     `yaml:"max_tokens" json:"max_tokens"`

	// MaxToolCalls bounds the number of tool executions per request.
	// Default: 10
	MaxToolCalls int `yaml:"max_tool_calls" json:"max_tool_calls"`

	// MCPServerURL enables tools served by this MCP server.
	MCPServerURL string `yaml:"mcp_server_url" json:"mcp_server_url,omitempty"`

	SystemPrompt string `yaml:"system_prompt" json:"system_prompt,omitempty"`

	// Timeout bounds the whole request including tool calls.
	// Default: 90s
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// CompletionRequest is what a provider receives for one model turn.
type CompletionRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDefinition
	Config   GenerationConfig
}

// Chunk is one piece of a streamed provider response. The final chunk has
// Done set and carries usage or an error.
type Chunk struct {
	Text      string
	Reasoning string
	ToolCall  *ToolCall
	Usage     *Usage
	Finish    string
	Error     error
	Done      bool
}

// Provider streams one model turn.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error)
}
