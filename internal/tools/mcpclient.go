package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPConnection wraps an mcp-go client for a single tool server.
type MCPConnection struct {
	name   string
	client *client.Client
	tools  []mcp.Tool
}

// NewMCPConnection launches an MCP server subprocess and initializes the connection.
func NewMCPConnection(ctx context.Context, name, binary string, env []string, args ...string) (*MCPConnection, error) {
	c, err := client.NewStdioMCPClient(binary, env, args...)
	if err != nil {
		return nil, fmt.Errorf("starting MCP server %s (%s): %w", name, binary, err)
	}
	return connect(ctx, name, c)
}

// NewInProcessConnection connects to an MCP server running in this process.
func NewInProcessConnection(ctx context.Context, name string, srv *server.MCPServer) (*MCPConnection, error) {
	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, fmt.Errorf("creating in-process MCP client %s: %w", name, err)
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("starting in-process MCP client %s: %w", name, err)
	}
	return connect(ctx, name, c)
}

func connect(ctx context.Context, name string, c *client.Client) (*MCPConnection, error) {
	_, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "convo",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing MCP server %s: %w", name, err)
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("listing tools from %s: %w", name, err)
	}

	return &MCPConnection{
		name:   name,
		client: c,
		tools:  result.Tools,
	}, nil
}

// Tools converts the server's tools into registry tools that call back
// into the server.
func (mc *MCPConnection) Tools() []Tool {
	out := make([]Tool, 0, len(mc.tools))
	for _, t := range mc.tools {
		schema := map[string]any{
			"type": t.InputSchema.Type,
		}
		if t.InputSchema.Type == "" {
			schema["type"] = "object"
		}
		if t.InputSchema.Properties != nil {
			schema["properties"] = t.InputSchema.Properties
		} else {
			schema["properties"] = map[string]any{}
		}
		if len(t.InputSchema.Required) > 0 {
			schema["required"] = t.InputSchema.Required
		}
		name := t.Name
		out = append(out, Tool{
			Name:        name,
			Description: t.Description,
			Schema:      schema,
			Func: func(ctx context.Context, args map[string]any) (any, error) {
				return mc.CallTool(ctx, name, args)
			},
		})
	}
	return out
}

// CallTool invokes a tool on this MCP server and returns its text output.
// Results flagged as errors by the server are returned as errors.
func (mc *MCPConnection) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := mc.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return "", fmt.Errorf("calling tool %s on %s: %w", name, mc.name, err)
	}

	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}

	text := strings.Join(parts, "\n")
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

// Name returns the server name the connection was registered under.
func (mc *MCPConnection) Name() string { return mc.name }

// Close shuts down the MCP server connection.
func (mc *MCPConnection) Close() {
	mc.client.Close()
}
