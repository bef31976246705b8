package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/tools"
)

// extractTool is the name of the tool the model is forced to call.
const extractTool = "_structured_output"

// ErrNoData is returned when the model answers ExtractData without the
// structured tool call.
var ErrNoData = errors.New("session: model returned no structured data")

// ExtractData asks the model to fill target, a pointer to a struct, from
// input and the conversation so far. The schema is reflected from target
// (json and jsonschema tags apply) and the model must answer with one call
// to a tool taking that schema. History is left unchanged.
func (s *Session) ExtractData(ctx context.Context, target any, input ...llm.Content) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	if v := reflect.ValueOf(target); v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("session: extract target must be a non-nil pointer, got %T", target)
	}
	schema, err := tools.ReflectSchema(target)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defs := []llm.ToolDef{{
		Name:        extractTool,
		Description: "Extract structured data from the conversation. Always call this tool.",
		Parameters:  schema,
		Force:       true,
	}}
	_, history, err := s.userTurn(input, defs)
	if err != nil {
		return err
	}

	turn, err := s.respond(ctx, history, defs, nil)
	if err != nil {
		return err
	}
	var args map[string]any
	n := 0
	for _, r := range turn.ToolRequests() {
		if r.Name == extractTool {
			args = r.Arguments
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%w: got %d calls", ErrNoData, n)
	}
	s.log.Debug("extracted data", "fields", len(args))

	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("session: decoding extracted data: %w", err)
	}
	return nil
}
