package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// NewTyped builds a tool from a function taking a struct of arguments. The
// JSON schema is reflected from A; use `json` and `jsonschema` struct tags
// to name fields and describe them.
func NewTyped[A any, R any](name, description string, fn func(ctx context.Context, args A) (R, error)) (Tool, error) {
	schema, err := reflectSchema[A]()
	if err != nil {
		return Tool{}, fmt.Errorf("tool %s: %w", name, err)
	}
	return Tool{
		Name:        name,
		Description: description,
		Schema:      schema,
		Func: func(ctx context.Context, raw map[string]any) (any, error) {
			var args A
			data, err := json.Marshal(raw)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(data, &args); err != nil {
				return nil, fmt.Errorf("decoding arguments: %w", err)
			}
			return fn(ctx, args)
		},
	}, nil
}

// MustTyped is NewTyped for tools defined at init time.
func MustTyped[A any, R any](name, description string, fn func(ctx context.Context, args A) (R, error)) Tool {
	t, err := NewTyped(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func reflectSchema[A any]() (map[string]any, error) {
	var zero A
	return ReflectSchema(&zero)
}

// ReflectSchema returns the JSON schema of v's type, which must be a struct
// or a pointer to one.
func ReflectSchema(v any) (map[string]any, error) {
	r := &jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: false,
	}
	s := r.Reflect(v)
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	if schema["type"] != "object" {
		return nil, fmt.Errorf("schema must describe a struct, got type %v", schema["type"])
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}
	return schema, nil
}
