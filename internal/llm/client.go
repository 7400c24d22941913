package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Transcript markers written to Request.Log. The log classifier keys on them.
const (
	LogModelTurn  = "--- model answer ---"
	LogFinalReply = "--- final reply ---"
	LogToolCall   = "functionCall"
	LogToolResult = "functionResponse"
	LogMalformed  = "MALFORMED_FUNCTION_CALL"
)

const (
	defaultTimeout      = 90 * time.Second
	defaultMaxToolCalls = 10
	fallbackProvider    = "openai"
)

// ToolSource lists and runs tools hosted at a server URL.
type ToolSource interface {
	ListTools(ctx context.Context, serverURL string) ([]ToolDefinition, error)
	CallTool(ctx context.Context, serverURL, name, arguments string) (string, error)
}

// Request is one chat request.
type Request struct {
	Provider string
	Model    string
	Messages []Message
	Config   GenerationConfig

	// Log receives the transcript of model turns and tool traffic.
	Log io.Writer
}

// Result is a completed chat request.
type Result struct {
	Content   string        `json:"content"`
	Reasoning string        `json:"reasoning,omitempty"`
	ToolCalls []ToolCall    `json:"toolCalls,omitempty"`
	Usage     Usage         `json:"usage"`
	Duration  time.Duration `json:"duration"`
}

// Client resolves providers by id and runs the tool loop.
type Client struct {
	mu        sync.RWMutex
	providers map[string]Provider
	tools     ToolSource
	logger    *slog.Logger
}

// NewClient creates a client. tools may be nil when no request sets an
// MCP server URL.
func NewClient(tools ToolSource, logger *slog.Logger, providers ...Provider) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		providers: make(map[string]Provider, len(providers)),
		tools:     tools,
		logger:    logger.With("component", "llm"),
	}
	for _, p := range providers {
		c.Register(p)
	}
	return c
}

// Register adds or replaces a provider under its name.
func (c *Client) Register(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[strings.ToLower(p.Name())] = p
}

// Provider returns the provider for id. Unknown ids resolve to the
// OpenAI-compatible provider.
func (c *Client) Provider(id string) (Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id = strings.ToLower(strings.TrimSpace(id))
	if p, ok := c.providers[id]; ok {
		return p, nil
	}
	if p, ok := c.providers[fallbackProvider]; ok {
		if id != "" {
			c.logger.Debug("unknown provider, using openai-compatible", "provider", id)
		}
		return p, nil
	}
	return nil, fmt.Errorf("no provider registered for %q", id)
}

func (cfg GenerationConfig) withDefaults() GenerationConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = defaultMaxToolCalls
	}
	return cfg
}

// Generate runs the request to completion, executing tool calls until the
// model answers without one or the tool call budget is spent.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	p, err := c.Provider(req.Provider)
	if err != nil {
		return nil, err
	}
	cfg := req.Config.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	return c.run(ctx, p, req, cfg, nil)
}

// StreamResult is an in-progress streamed request.
type StreamResult struct {
	// Text yields answer text as it arrives and is closed at the end.
	Text <-chan string

	done     chan struct{}
	result   *Result
	err      error
	duration time.Duration
}

// Wait drains any unread text and returns the final usage and duration.
func (s *StreamResult) Wait() (Usage, time.Duration, error) {
	for range s.Text {
	}
	<-s.done
	if s.err != nil {
		return Usage{}, s.duration, s.err
	}
	return s.result.Usage, s.duration, nil
}

// Result returns the full result after Wait.
func (s *StreamResult) Result() *Result {
	<-s.done
	return s.result
}

// Stream runs the request in the background and yields text as it arrives.
func (c *Client) Stream(ctx context.Context, req Request) (*StreamResult, error) {
	p, err := c.Provider(req.Provider)
	if err != nil {
		return nil, err
	}
	cfg := req.Config.withDefaults()

	text := make(chan string, 16)
	s := &StreamResult{Text: text, done: make(chan struct{})}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		defer close(s.done)
		defer close(text)

		start := time.Now()
		s.result, s.err = c.run(ctx, p, req, cfg, func(t string) {
			select {
			case text <- t:
			case <-ctx.Done():
			}
		})
		s.duration = time.Since(start)
	}()
	return s, nil
}

func (c *Client) run(ctx context.Context, p Provider, req Request, cfg GenerationConfig, onText func(string)) (*Result, error) {
	start := time.Now()

	var tools []ToolDefinition
	if cfg.MCPServerURL != "" {
		if c.tools == nil {
			return nil, fmt.Errorf("mcp server %s configured but no tool source available", cfg.MCPServerURL)
		}
		listed, err := c.tools.ListTools(ctx, cfg.MCPServerURL)
		if err != nil {
			return nil, abortError(ctx, fmt.Errorf("list tools: %w", err))
		}
		tools = listed
	}

	messages := make([]Message, len(req.Messages))
	copy(messages, req.Messages)

	result := &Result{}
	executed := 0
	for {
		creq := &CompletionRequest{
			Model:    req.Model,
			System:   cfg.SystemPrompt,
			Messages: messages,
			Config:   cfg,
		}
		if executed < cfg.MaxToolCalls {
			creq.Tools = tools
		}

		turn, err := c.turn(ctx, p, creq, onText)
		result.Usage = result.Usage.Add(turn.usage)
		if err != nil {
			if pe, ok := AsProviderError(err); ok && pe.Reason == ReasonMalformedTool {
				writeLog(req.Log, "%s\n%s\n", LogModelTurn, LogMalformed)
			}
			return nil, abortError(ctx, err)
		}
		result.Reasoning += turn.reasoning
		writeLog(req.Log, "%s\n%s\n", LogModelTurn, turn.text)

		if len(turn.toolCalls) == 0 || len(creq.Tools) == 0 {
			result.Content = strings.TrimSpace(turn.text)
			break
		}

		messages = append(messages, Message{Role: RoleAssistant, Content: turn.text, ToolCalls: turn.toolCalls})
		for _, call := range turn.toolCalls {
			var output string
			if executed >= cfg.MaxToolCalls {
				output = "error: tool call limit reached"
			} else {
				executed++
				result.ToolCalls = append(result.ToolCalls, call)
				writeLog(req.Log, "%s: %s %s\n", LogToolCall, call.Name, call.Arguments)

				out, err := c.tools.CallTool(ctx, cfg.MCPServerURL, call.Name, call.Arguments)
				if err != nil {
					if ctx.Err() != nil {
						return nil, abortError(ctx, err)
					}
					c.logger.Warn("tool call failed", "tool", call.Name, "error", err)
					out = "error: " + err.Error()
				}
				output = out
				writeLog(req.Log, "%s: %s\n%s\n", LogToolResult, call.Name, output)
			}
			messages = append(messages, Message{Role: RoleTool, Content: output, ToolCallID: call.ID, Name: call.Name})
		}
	}

	writeLog(req.Log, "%s\n%s\n", LogFinalReply, result.Content)
	result.Duration = time.Since(start)
	return result, nil
}

type turnOutput struct {
	text      string
	reasoning string
	toolCalls []ToolCall
	usage     Usage
}

func (c *Client) turn(ctx context.Context, p Provider, req *CompletionRequest, onText func(string)) (turnOutput, error) {
	var out turnOutput
	chunks, err := p.Complete(ctx, req)
	if err != nil {
		return out, err
	}

	var text, reasoning strings.Builder
	var streamErr error
	for chunk := range chunks {
		if chunk.Error != nil && streamErr == nil {
			streamErr = chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if onText != nil {
				onText(chunk.Text)
			}
		}
		if chunk.Reasoning != "" {
			reasoning.WriteString(chunk.Reasoning)
		}
		if chunk.ToolCall != nil {
			out.toolCalls = append(out.toolCalls, *chunk.ToolCall)
		}
		if chunk.Usage != nil {
			out.usage = out.usage.Add(*chunk.Usage)
		}
	}
	out.text = text.String()
	out.reasoning = reasoning.String()
	if streamErr == nil && ctx.Err() != nil {
		streamErr = ctx.Err()
	}
	return out, streamErr
}

func writeLog(w io.Writer, format string, args ...any) {
	if w == nil {
		return
	}
	_, _ = fmt.Fprintf(w, format, args...)
}

// IsAborted reports whether err came from a timeout or cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
