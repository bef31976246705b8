package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/michaelbrown/convo/internal/llm"
)

// ErrToolNotFound is returned when a tool name is not registered.
var ErrToolNotFound = errors.New("tool not found")

// Registry holds local tools and the tools of connected MCP servers.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	order       []string
	connections map[string]*MCPConnection // server name → connection
	validator   Validator
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:       make(map[string]Tool),
		connections: make(map[string]*MCPConnection),
		validator:   DefaultValidator{},
	}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name is empty")
	}
	if t.Func == nil {
		return fmt.Errorf("tool %s has no function", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// RegisterServer launches an MCP tool server and registers its tools.
// Disabled servers are skipped.
func (r *Registry) RegisterServer(ctx context.Context, name string, cfg ToolServerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	var env []string
	env = append(env, os.Environ()...)
	for k, v := range cfg.Env {
		// Expand environment variable references like ${VAR}
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			v = os.Getenv(v[2 : len(v)-1])
		}
		env = append(env, k+"="+v)
	}

	conn, err := NewMCPConnection(ctx, name, cfg.Binary, env, cfg.Args...)
	if err != nil {
		return err
	}
	return r.AddConnection(conn)
}

// AddConnection registers every tool of an established MCP connection.
func (r *Registry) AddConnection(conn *MCPConnection) error {
	for _, t := range conn.Tools() {
		if err := r.Register(t); err != nil {
			conn.Close()
			return fmt.Errorf("server %s: %w", conn.Name(), err)
		}
	}
	r.mu.Lock()
	r.connections[conn.Name()] = conn
	r.mu.Unlock()
	return nil
}

// SetValidator swaps the validator used by Validate.
func (r *Registry) SetValidator(v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validator = v
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Validate checks args against the named tool's schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	t, ok := r.tools[name]
	v := r.validator
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if v == nil {
		return nil
	}
	return v.Validate(args, t.Schema)
}

// Call validates the arguments and runs the named tool.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if err := r.Validate(name, args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return t.Func(ctx, args)
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Defs returns provider-facing definitions in registration order. When
// allow is non-empty only the named tools are included.
func (r *Registry) Defs(allow ...string) []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []llm.ToolDef
	for _, name := range r.order {
		if len(allow) > 0 && !slices.Contains(allow, name) {
			continue
		}
		defs = append(defs, r.tools[name].Def())
	}
	return defs
}

// HasTools returns true if any tools are registered.
func (r *Registry) HasTools() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools) > 0
}

// Close shuts down all MCP server connections.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.connections {
		conn.Close()
	}
	r.connections = make(map[string]*MCPConnection)
}
