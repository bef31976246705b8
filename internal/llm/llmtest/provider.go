// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/michaelbrown/convo/internal/llm"
)

// ErrScriptExhausted is returned when the provider is called more times
// than it has responses.
var ErrScriptExhausted = errors.New("llmtest: no scripted response left")

// Response is one scripted reply.
type Response struct {
	Turn llm.Turn
	// Deltas overrides the stream replayed from Turn.
	Deltas []llm.Delta
	Err    error
	// FailAfter yields this many deltas before Err when streaming.
	FailAfter int
	// Gate, when set, blocks the reply until closed or the context ends.
	Gate chan struct{}
}

// Text scripts a plain text reply.
func Text(s string) Response {
	t := llm.TextTurn(llm.RoleAssistant, s)
	t.Metadata = llm.Metadata{FinishReason: llm.FinishStop, RawFinishReason: "stop", Usage: llm.Usage{InputTokens: 10, OutputTokens: int64(len(s))}}
	return Response{Turn: t}
}

// ToolCalls scripts a reply requesting the given tools.
func ToolCalls(reqs ...llm.ToolRequest) Response {
	t := llm.Turn{Role: llm.RoleAssistant}
	for _, r := range reqs {
		t.Contents = append(t.Contents, r)
	}
	t.Metadata = llm.Metadata{FinishReason: llm.FinishToolCalls, RawFinishReason: "tool_calls", Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}
	return Response{Turn: t}
}

// Fail scripts a failed call.
func Fail(err error) Response { return Response{Err: err} }

// Provider replays scripted responses in order and records every request.
type Provider struct {
	mu     sync.Mutex
	name   string
	caps   llm.Capabilities
	script []Response
	calls  [][]llm.Turn
	tools  [][]llm.ToolDef
}

// New returns a provider with every capability enabled.
func New(responses ...Response) *Provider {
	return &Provider{
		name:   "scripted",
		caps:   llm.Capabilities{AcceptsImages: true, AcceptsTools: true, SupportsStreaming: true},
		script: responses,
	}
}

// WithCapabilities overrides the declared capabilities.
func (p *Provider) WithCapabilities(c llm.Capabilities) *Provider {
	p.caps = c
	return p
}

// Push appends responses to the script.
func (p *Provider) Push(responses ...Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, responses...)
}

func (p *Provider) Name() string                   { return p.name }
func (p *Provider) Capabilities() llm.Capabilities { return p.caps }

// Calls returns the history snapshot of every request, in order.
func (p *Provider) Calls() [][]llm.Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]llm.Turn(nil), p.calls...)
}

// ToolsSeen returns the tool definitions sent with every request.
func (p *Provider) ToolsSeen() [][]llm.ToolDef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]llm.ToolDef(nil), p.tools...)
}

func (p *Provider) next(history []llm.Turn, tools []llm.ToolDef) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make([]llm.Turn, len(history))
	for i, t := range history {
		snapshot[i] = t.Clone()
	}
	p.calls = append(p.calls, snapshot)
	p.tools = append(p.tools, tools)
	if len(p.script) == 0 {
		return Response{}, ErrScriptExhausted
	}
	r := p.script[0]
	p.script = p.script[1:]
	return r, nil
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return ctx.Err()
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) Submit(ctx context.Context, history []llm.Turn, tools []llm.ToolDef) (llm.Turn, error) {
	if err := llm.CheckCapabilities(p.name, p.caps, history, tools); err != nil {
		return llm.Turn{}, err
	}
	r, err := p.next(history, tools)
	if err != nil {
		return llm.Turn{}, err
	}
	if err := wait(ctx, r.Gate); err != nil {
		return llm.Turn{}, err
	}
	if r.Err != nil {
		return llm.Turn{}, r.Err
	}
	return r.Turn.Clone(), nil
}

func (p *Provider) Stream(ctx context.Context, history []llm.Turn, tools []llm.ToolDef) iter.Seq2[llm.Delta, error] {
	return func(yield func(llm.Delta, error) bool) {
		if err := llm.CheckCapabilities(p.name, p.caps, history, tools); err != nil {
			yield(llm.Delta{}, err)
			return
		}
		r, err := p.next(history, tools)
		if err != nil {
			yield(llm.Delta{}, err)
			return
		}
		if err := wait(ctx, r.Gate); err != nil {
			yield(llm.Delta{}, err)
			return
		}
		deltas := r.Deltas
		if deltas == nil && (r.Err == nil || r.FailAfter > 0) {
			for d, err := range llm.TurnDeltas(r.Turn) {
				if err != nil {
					yield(llm.Delta{}, err)
					return
				}
				deltas = append(deltas, d)
			}
		}
		for i, d := range deltas {
			if r.Err != nil && i == r.FailAfter {
				break
			}
			if err := ctx.Err(); err != nil {
				yield(llm.Delta{}, err)
				return
			}
			if !yield(d, nil) {
				return
			}
		}
		if r.Err != nil {
			yield(llm.Delta{}, r.Err)
		}
	}
}
