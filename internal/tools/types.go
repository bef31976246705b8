package tools

import (
	"context"

	"github.com/michaelbrown/convo/internal/llm"
)

// Func runs a tool. The returned value becomes the tool result; a returned
// error becomes an error-carrying result.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Tool is a callable exposed to the model.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any // JSON Schema of the arguments object
	Func        Func
}

// Def returns what a provider sees of the tool.
func (t Tool) Def() llm.ToolDef {
	schema := t.Schema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.ToolDef{Name: t.Name, Description: t.Description, Parameters: schema}
}

// ToolServerConfig describes an MCP tool server binary.
type ToolServerConfig struct {
	Binary  string            `mapstructure:"binary"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Enabled bool              `mapstructure:"enabled"`
}
