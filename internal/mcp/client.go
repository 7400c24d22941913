// Package mcp connects to Model Context Protocol tool servers, lists their
// tools and forwards tool calls with schema-validated arguments.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// Tool describes one tool offered by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolResult is the flattened outcome of a tool call.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ServerInfo identifies a connected server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Client is connected to a single MCP server.
type Client struct {
	url    string
	conn   *mcpclient.Client
	logger *slog.Logger

	mu         sync.RWMutex
	tools      []Tool
	validators map[string]*argumentValidator
	serverInfo ServerInfo
}

// NewClient wraps an unstarted mcp-go client.
func NewClient(url string, conn *mcpclient.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        url,
		conn:       conn,
		logger:     logger.With("mcp_server", url),
		validators: make(map[string]*argumentValidator),
	}
}

// Connect starts the transport, performs the initialize handshake and
// caches the tool list.
func (c *Client) Connect(ctx context.Context, clientName, clientVersion string) error {
	if err := c.conn.Start(ctx); err != nil {
		return fmt.Errorf("transport start: %w", err)
	}

	init, err := c.conn.Initialize(ctx, mcpgo.InitializeRequest{
		Params: mcpgo.InitializeParams{
			ProtocolVersion: mcpgo.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcpgo.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
			Capabilities: mcpgo.ClientCapabilities{},
		},
	})
	if err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	c.serverInfo = ServerInfo{Name: init.ServerInfo.Name, Version: init.ServerInfo.Version}
	c.logger.Info("connected to MCP server",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", init.ProtocolVersion)

	if err := c.RefreshTools(ctx); err != nil {
		_ = c.conn.Close()
		return err
	}
	return nil
}

// RefreshTools reloads the cached tool list.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.conn.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := inputSchema(t)
		if err != nil {
			return fmt.Errorf("tool %s: %w", t.Name, err)
		}
		tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}

	c.mu.Lock()
	c.tools = tools
	c.validators = make(map[string]*argumentValidator, len(tools))
	c.mu.Unlock()
	return nil
}

// inputSchema extracts the wire form of a tool's input schema, whichever of
// the structured or raw fields the server populated.
func inputSchema(t mcpgo.Tool) (json.RawMessage, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var wire struct {
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	if len(wire.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`), nil
	}
	return wire.InputSchema, nil
}

// Tools returns the cached tools.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Tool returns the cached tool with the given name.
func (c *Client) Tool(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// Call validates the JSON-encoded arguments against the tool's input schema
// and forwards the call. Validation failures are returned as errors without
// contacting the server; a tool that reports failure yields IsError.
func (c *Client) Call(ctx context.Context, name, arguments string) (*ToolResult, error) {
	tool, ok := c.Tool(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	args, err := decodeArguments(arguments)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	validator, err := c.validator(tool)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile input schema: %w", name, err)
	}
	if err := validator.Validate(args); err != nil {
		return nil, fmt.Errorf("tool %s: invalid arguments: %w", name, err)
	}

	result, err := c.conn.CallTool(ctx, mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	return flatten(result), nil
}

func (c *Client) validator(tool Tool) (*argumentValidator, error) {
	c.mu.RLock()
	v, ok := c.validators[tool.Name]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}
	v, err := compileValidator(tool.Name, tool.InputSchema)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.validators[tool.Name] = v
	c.mu.Unlock()
	return v, nil
}

func decodeArguments(arguments string) (map[string]any, error) {
	arguments = strings.TrimSpace(arguments)
	if arguments == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func flatten(result *mcpgo.CallToolResult) *ToolResult {
	var parts []string
	for _, content := range result.Content {
		if text, ok := mcpgo.AsTextContent(content); ok {
			parts = append(parts, text.Text)
			continue
		}
		if data, err := json.Marshal(content); err == nil {
			parts = append(parts, string(data))
		}
	}
	if len(parts) == 0 && result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			parts = append(parts, string(data))
		}
	}
	return &ToolResult{Content: strings.Join(parts, "\n"), IsError: result.IsError}
}

// Close closes the connection to the server.
func (c *Client) Close() error {
	return c.conn.Close()
}
