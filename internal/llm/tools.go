package llm

import (
	"context"

	"github.com/haasonsaas/ragbench/internal/mcp"
)

// MCPTools serves tools from MCP servers through a shared client pool.
type MCPTools struct {
	Pool *mcp.Pool
}

var _ ToolSource = MCPTools{}

// ListTools returns the tools of the server at serverURL.
func (m MCPTools) ListTools(ctx context.Context, serverURL string) ([]ToolDefinition, error) {
	client, err := m.Pool.Get(ctx, serverURL)
	if err != nil {
		return nil, err
	}
	tools := client.Tools()
	defs := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	return defs, nil
}

// CallTool forwards a call. A tool that reports failure is returned as
// text prefixed with "error: " so the model can react to it.
func (m MCPTools) CallTool(ctx context.Context, serverURL, name, arguments string) (string, error) {
	client, err := m.Pool.Get(ctx, serverURL)
	if err != nil {
		return "", err
	}
	result, err := client.Call(ctx, name, arguments)
	if err != nil {
		return "", err
	}
	if result.IsError {
		return "error: " + result.Content, nil
	}
	return result.Content, nil
}
