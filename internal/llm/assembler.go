package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
)

type pendingCall struct {
	id   string
	name string
	args strings.Builder
	req  *ToolRequest
}

// Assembler folds a delta stream into one assistant Turn. The draft is
// private; only the frozen turn is ever exposed.
type Assembler struct {
	parts   []any // *strings.Builder or *pendingCall, in arrival order
	calls   map[string]*pendingCall
	byIndex map[int]string
	meta    Metadata
	turn    *Turn
	err     error
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		calls:   make(map[string]*pendingCall),
		byIndex: make(map[int]string),
	}
}

// Add applies one delta. A DeltaEnd freezes the turn; any later delta
// fails with ErrAssemblerClosed. Once Add fails the assembler stays failed.
func (a *Assembler) Add(d Delta) error {
	if a.err != nil {
		return a.err
	}
	if a.turn != nil {
		return ErrAssemblerClosed
	}
	switch d.Kind {
	case DeltaText:
		a.addText(d.Text)
	case DeltaToolRequest:
		if d.Tool != nil {
			a.addTool(*d.Tool)
		}
	case DeltaMetadata:
		if d.Meta != nil {
			a.meta = a.meta.Merge(*d.Meta)
		}
	case DeltaEnd:
		if d.Meta != nil {
			a.meta = a.meta.Merge(*d.Meta)
		}
		_, err := a.Finish()
		return err
	default:
		a.err = fmt.Errorf("assembler: unknown delta kind %q", d.Kind)
	}
	return a.err
}

func (a *Assembler) addText(s string) {
	if s == "" {
		return
	}
	if n := len(a.parts); n > 0 {
		if sb, ok := a.parts[n-1].(*strings.Builder); ok {
			sb.WriteString(s)
			return
		}
	}
	sb := &strings.Builder{}
	sb.WriteString(s)
	a.parts = append(a.parts, sb)
}

func (a *Assembler) addTool(td ToolDelta) {
	id := td.ID
	if id == "" {
		id = a.byIndex[td.Index]
	}
	if id == "" {
		// completion marker for a call we never saw
		if td.Done && td.Name == "" && td.Arguments == "" {
			return
		}
		id = fmt.Sprintf("call_%d", td.Index)
	}
	call, ok := a.calls[id]
	if !ok {
		call = &pendingCall{id: id}
		a.calls[id] = call
		a.parts = append(a.parts, call)
	}
	if _, mapped := a.byIndex[td.Index]; !mapped {
		a.byIndex[td.Index] = id
	}
	if call.req != nil {
		return
	}
	if call.name == "" {
		call.name = td.Name
	}
	call.args.WriteString(td.Arguments)
	if td.Done {
		a.complete(call)
	}
}

func (a *Assembler) complete(call *pendingCall) {
	if call.req != nil || a.err != nil {
		return
	}
	raw := call.args.String()
	if call.name == "" {
		a.err = &MalformedToolCallError{ID: call.id, Arguments: raw, Cause: errors.New("missing tool name")}
		return
	}
	args, err := ParseArguments(raw)
	if err != nil {
		a.err = &MalformedToolCallError{ID: call.id, Name: call.name, Arguments: raw, Cause: err}
		return
	}
	req := NewToolRequest(call.id, call.name, args)
	call.req = &req
}

// Finish completes any pending tool calls and freezes the turn. It is used
// directly when a stream ends without an end marker, and is idempotent.
func (a *Assembler) Finish() (Turn, error) {
	if a.err != nil {
		return Turn{}, a.err
	}
	if a.turn != nil {
		return a.turn.Clone(), nil
	}
	turn := Turn{Role: RoleAssistant, Metadata: a.meta}
	for _, p := range a.parts {
		switch v := p.(type) {
		case *strings.Builder:
			turn.Contents = append(turn.Contents, Text{Value: v.String()})
		case *pendingCall:
			a.complete(v)
			if a.err != nil {
				return Turn{}, a.err
			}
			turn.Contents = append(turn.Contents, *v.req)
		}
	}
	a.turn = &turn
	return turn.Clone(), nil
}

// Turn returns the frozen turn, if the stream has ended.
func (a *Assembler) Turn() (Turn, bool) {
	if a.turn == nil {
		return Turn{}, false
	}
	return a.turn.Clone(), true
}

// Assemble forwards every delta of seq while folding it into a turn. The
// end delta carries the finalized turn; if seq stops without one, a
// synthetic end delta is yielded. Errors end the sequence.
func Assemble(seq iter.Seq2[Delta, error]) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		a := NewAssembler()
		for d, err := range seq {
			if err != nil {
				yield(Delta{}, err)
				return
			}
			if err := a.Add(d); err != nil {
				yield(Delta{}, err)
				return
			}
			if d.Kind == DeltaEnd {
				t, _ := a.Turn()
				d.Turn = &t
				yield(d, nil)
				return
			}
			if !yield(d, nil) {
				return
			}
		}
		t, err := a.Finish()
		if err != nil {
			yield(Delta{}, err)
			return
		}
		yield(Delta{Kind: DeltaEnd, Turn: &t}, nil)
	}
}

// Collect drains seq into a single turn.
func Collect(seq iter.Seq2[Delta, error]) (Turn, error) {
	for d, err := range Assemble(seq) {
		if err != nil {
			return Turn{}, err
		}
		if d.Kind == DeltaEnd && d.Turn != nil {
			return *d.Turn, nil
		}
	}
	return Turn{}, errors.New("assembler: stream produced no turn")
}

// TurnDeltas replays a finished turn as a delta stream, for providers that
// cannot stream.
func TurnDeltas(t Turn) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		index := 0
		for _, c := range t.Contents {
			var d Delta
			switch v := c.(type) {
			case Text:
				if v.Value == "" {
					continue
				}
				d = TextDelta(v.Value)
			case ToolRequest:
				args, err := json.Marshal(v.Arguments)
				if err != nil {
					yield(Delta{}, err)
					return
				}
				d = ToolRequestDelta(ToolDelta{Index: index, ID: v.ID, Name: v.Name, Arguments: string(args), Done: true})
				index++
			default:
				continue
			}
			if !yield(d, nil) {
				return
			}
		}
		meta := t.Metadata
		if !yield(MetadataDelta(Metadata{FinishReason: meta.FinishReason, RawFinishReason: meta.RawFinishReason, Usage: meta.Usage}), nil) {
			return
		}
		yield(EndDelta(&Metadata{Raw: meta.Raw}), nil)
	}
}
