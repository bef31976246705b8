package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/convo/internal/llm"
)

// NewMCPServer exposes tools over MCP so other processes can use them.
func NewMCPServer(name, version string, ts []Tool) *server.MCPServer {
	s := server.NewMCPServer(name, version)
	for _, t := range ts {
		s.AddTool(mcpTool(t), handler(t))
	}
	return s
}

func mcpTool(t Tool) mcp.Tool {
	def := t.Def()
	props, _ := def.Parameters["properties"].(map[string]any)
	return mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   requiredFields(def.Parameters["required"]),
		},
	}
}

func handler(t Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		if err := (DefaultValidator{}).Validate(args, t.Schema); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		value, err := t.Func(ctx, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(llm.ToolResult{RequestID: "-", Value: value}.Text()), nil
	}
}
