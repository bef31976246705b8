// Package session runs a conversation against one provider: it owns the
// turn history and drives the tool-call loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	conciter "github.com/sourcegraph/conc/iter"

	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/tools"
)

const (
	DefaultMaxToolRounds   = 10
	DefaultToolConcurrency = 4
)

// Config tunes a Session. Zero values take the defaults above.
type Config struct {
	SystemPrompt string
	// MaxToolRounds bounds the tool passes of one ask. A negative value
	// disables tool execution entirely.
	MaxToolRounds   int
	ToolConcurrency int
	Echo            EchoMode
	// Output receives echoed text. Defaults to stdout when Echo is set.
	Output io.Writer
	Retry  RetryPolicy
	Logger *slog.Logger
}

// Session is a single conversation. Asks are serialized: a second Chat or
// Stream while one is running fails with ErrBusy.
type Session struct {
	provider llm.Provider
	registry *tools.Registry
	cfg      Config
	echo     echoer
	log      *slog.Logger

	mu    sync.RWMutex
	turns []llm.Turn
	allow []string
	busy  atomic.Bool

	// OnToolCall runs before each tool of a pass is dispatched.
	OnToolCall func(req llm.ToolRequest)
	// OnToolResult runs for each result, in request order.
	OnToolResult func(req llm.ToolRequest, res llm.ToolResult)
}

// New creates a session. initial seeds the history; it may not contain
// system turns (use cfg.SystemPrompt) or orphan tool results.
func New(provider llm.Provider, registry *tools.Registry, cfg Config, initial ...llm.Turn) (*Session, error) {
	if provider == nil {
		return nil, errors.New("session: nil provider")
	}
	switch {
	case cfg.MaxToolRounds == 0:
		cfg.MaxToolRounds = DefaultMaxToolRounds
	case cfg.MaxToolRounds < 0:
		cfg.MaxToolRounds = 0
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = DefaultToolConcurrency
	}
	if cfg.Echo == "" {
		cfg.Echo = EchoNone
	}
	if cfg.Output == nil && cfg.Echo != EchoNone {
		cfg.Output = os.Stdout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	s := &Session{
		provider: provider,
		registry: registry,
		cfg:      cfg,
		echo:     echoer{mode: cfg.Echo, w: cfg.Output},
		log:      log.With("provider", provider.Name()),
	}
	s.SetSystemPrompt(cfg.SystemPrompt)
	if err := s.SetTurns(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// Provider returns the session's provider.
func (s *Session) Provider() llm.Provider { return s.provider }

// Chat sends input as a user turn and runs the tool loop to completion
// using blocking provider calls. It returns the final assistant turn.
func (s *Session) Chat(ctx context.Context, input ...llm.Content) (llm.Turn, error) {
	return s.ask(ctx, input, nil)
}

// Stream is Chat with streaming provider calls. It yields the deltas of
// every model response; each DeltaEnd carries a finalized turn (assistant
// or tool results) and the last one holds the final assistant turn. An
// assistant turn that requests tools is added to history together with its
// results, so the history never ends in unanswered requests. Breaking out
// of the loop cancels the ask, and whatever is not yet in history is
// discarded.
func (s *Session) Stream(ctx context.Context, input ...llm.Content) iter.Seq2[llm.Delta, error] {
	return func(yield func(llm.Delta, error) bool) {
		_, err := s.ask(ctx, input, func(d llm.Delta) bool { return yield(d, nil) })
		if err != nil && !errors.Is(err, errStopped) {
			yield(llm.Delta{}, err)
		}
	}
}

// userTurn builds the turn for input and checks it against the history
// and the provider before anything is sent.
func (s *Session) userTurn(input []llm.Content, defs []llm.ToolDef) (llm.Turn, []llm.Turn, error) {
	if len(input) == 0 {
		return llm.Turn{}, nil, errors.New("session: empty input")
	}
	user, err := llm.NewTurn(llm.RoleUser, input...)
	if err != nil {
		return llm.Turn{}, nil, err
	}
	history := append(s.snapshot(), user)
	if err := llm.ValidateHistory(history); err != nil {
		return llm.Turn{}, nil, fmt.Errorf("session: %w", err)
	}
	if err := llm.CheckCapabilities(s.provider.Name(), s.provider.Capabilities(), history, defs); err != nil {
		return llm.Turn{}, nil, err
	}
	return user, history, nil
}

// ask drives AwaitingModel -> CheckingToolCalls -> {Done | ExecutingTools}.
// emit is nil for blocking asks.
func (s *Session) ask(ctx context.Context, input []llm.Content, emit func(llm.Delta) bool) (llm.Turn, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return llm.Turn{}, ErrBusy
	}
	defer s.busy.Store(false)

	defs := s.toolDefs()
	user, history, err := s.userTurn(input, defs)
	if err != nil {
		return llm.Turn{}, err
	}
	s.echo.user(user)

	// The user turn is only committed together with the first answer, and
	// a tool-requesting turn together with its results.
	pending := []llm.Turn{user}
	for round := 0; ; round++ {
		if round > 0 {
			history = s.snapshot()
		}
		turn, err := s.respond(ctx, history, defs, emit)
		if err != nil {
			return llm.Turn{}, err
		}

		reqs := turn.ToolRequests()
		if len(reqs) == 0 {
			s.commit(append(pending, turn)...)
			if emit != nil {
				emit(endDelta(turn))
			}
			return turn, nil
		}
		if round >= s.cfg.MaxToolRounds {
			s.log.Warn("tool loop limit reached", "limit", s.cfg.MaxToolRounds)
			return llm.Turn{}, &ToolLoopExceededError{Limit: s.cfg.MaxToolRounds, Turn: turn}
		}
		if emit != nil && !emit(endDelta(turn)) {
			return turn, errStopped
		}

		results := s.executeTools(ctx, reqs)
		s.commit(append(pending, turn, results)...)
		pending = nil
		if emit != nil && !emit(endDelta(results)) {
			return results, errStopped
		}
		if err := ctx.Err(); err != nil {
			return llm.Turn{}, err
		}
	}
}

func endDelta(t llm.Turn) llm.Delta {
	d := llm.EndDelta(nil)
	d.Turn = &t
	return d
}

// respond gets one assistant turn, retrying per the retry policy. A
// streamed response is only retried if none of it reached the consumer.
func (s *Session) respond(ctx context.Context, history []llm.Turn, defs []llm.ToolDef, emit func(llm.Delta) bool) (llm.Turn, error) {
	for attempt := 1; ; attempt++ {
		turn, sent, err := s.respondOnce(ctx, history, defs, emit)
		if err == nil {
			s.echo.end(turn)
			return turn, nil
		}
		if sent || errors.Is(err, errStopped) || !s.cfg.Retry.allows(attempt, err) {
			return llm.Turn{}, err
		}
		wait := s.cfg.Retry.delay(attempt)
		s.log.Warn("retrying provider call", "attempt", attempt, "wait", wait, "error", err)
		if err := sleep(ctx, wait); err != nil {
			return llm.Turn{}, err
		}
	}
}

func (s *Session) respondOnce(ctx context.Context, history []llm.Turn, defs []llm.ToolDef, emit func(llm.Delta) bool) (turn llm.Turn, sent bool, err error) {
	if emit == nil {
		turn, err = s.provider.Submit(ctx, history, defs)
		if err != nil {
			return llm.Turn{}, false, err
		}
		s.echo.text(turn.Text())
		return turn, false, nil
	}

	var seq iter.Seq2[llm.Delta, error]
	if s.provider.Capabilities().SupportsStreaming {
		seq = s.provider.Stream(ctx, history, defs)
	} else {
		seq = submitDeltas(ctx, s.provider, history, defs)
	}
	for d, err := range llm.Assemble(seq) {
		if err != nil {
			return llm.Turn{}, sent, err
		}
		if d.Kind == llm.DeltaEnd {
			return *d.Turn, sent, nil
		}
		if d.Kind == llm.DeltaText {
			s.echo.text(d.Text)
		}
		if !emit(d) {
			return llm.Turn{}, true, errStopped
		}
		sent = true
	}
	return llm.Turn{}, sent, errors.New("session: stream ended without a turn")
}

// submitDeltas adapts a provider that cannot stream.
func submitDeltas(ctx context.Context, p llm.Provider, history []llm.Turn, defs []llm.ToolDef) iter.Seq2[llm.Delta, error] {
	return func(yield func(llm.Delta, error) bool) {
		turn, err := p.Submit(ctx, history, defs)
		if err != nil {
			yield(llm.Delta{}, err)
			return
		}
		for d, err := range llm.TurnDeltas(turn) {
			if !yield(d, err) {
				return
			}
		}
	}
}

// executeTools runs one pass concurrently and returns the tool turn with
// results in request order.
func (s *Session) executeTools(ctx context.Context, reqs []llm.ToolRequest) llm.Turn {
	for _, r := range reqs {
		s.echo.toolRequest(r)
		if s.OnToolCall != nil {
			s.OnToolCall(r)
		}
	}

	mapper := conciter.Mapper[llm.ToolRequest, llm.ToolResult]{MaxGoroutines: s.cfg.ToolConcurrency}
	results := mapper.Map(reqs, func(r *llm.ToolRequest) llm.ToolResult {
		return s.invoke(ctx, *r)
	})

	turn := llm.Turn{Role: llm.RoleTool, Contents: make([]llm.Content, len(results))}
	for i, res := range results {
		s.echo.toolResult(reqs[i], res)
		if s.OnToolResult != nil {
			s.OnToolResult(reqs[i], res)
		}
		turn.Contents[i] = res
	}
	return turn
}

// invoke runs one tool. Every failure becomes an error result.
func (s *Session) invoke(ctx context.Context, req llm.ToolRequest) (res llm.ToolResult) {
	res.RequestID = req.ID
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tool panicked", "tool", req.Name, "id", req.ID, "panic", r)
			res = llm.ToolResult{RequestID: req.ID, Error: fmt.Sprintf("tool %s panicked: %v", req.Name, r)}
		}
	}()

	if s.registry == nil || !s.allowed(req.Name) {
		res.Error = fmt.Sprintf("%v: %s", tools.ErrToolNotFound, req.Name)
		s.log.Warn("model requested unknown tool", "tool", req.Name, "id", req.ID)
		return res
	}
	value, err := s.registry.Call(ctx, req.Name, req.Arguments)
	if err != nil {
		s.log.Warn("tool failed", "tool", req.Name, "id", req.ID, "error", err)
		res.Error = err.Error()
		return res
	}
	s.log.Debug("tool finished", "tool", req.Name, "id", req.ID)
	res.Value = value
	return res
}

func (s *Session) toolDefs() []llm.ToolDef {
	if s.registry == nil || s.cfg.MaxToolRounds == 0 || !s.provider.Capabilities().AcceptsTools {
		return nil
	}
	s.mu.RLock()
	allow := s.allow
	s.mu.RUnlock()
	return s.registry.Defs(allow...)
}

func (s *Session) allowed(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.allow) == 0 || slices.Contains(s.allow, name)
}

// FilterTools restricts the tools offered to the model. An empty list
// offers every registered tool again.
func (s *Session) FilterTools(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allow = slices.Clone(names)
}

func (s *Session) commit(turns ...llm.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
}

func (s *Session) snapshot() []llm.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.turns)
}

func (s *Session) hasSystem() bool {
	return len(s.turns) > 0 && s.turns[0].Role == llm.RoleSystem
}

// History returns a copy of every committed turn, system turn included.
func (s *Session) History() []llm.Turn {
	return s.Turns(true)
}

// Turns returns a copy of the committed turns.
func (s *Session) Turns(includeSystem bool) []llm.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turns
	if !includeSystem && s.hasSystem() {
		turns = turns[1:]
	}
	out := make([]llm.Turn, len(turns))
	for i, t := range turns {
		out[i] = t.Clone()
	}
	return out
}

// LastTurn returns the most recent turn with the given role.
func (s *Session) LastTurn(role llm.Role) (llm.Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == role {
			return s.turns[i].Clone(), true
		}
	}
	return llm.Turn{}, false
}

// SystemPrompt returns the system prompt, or "" if there is none.
func (s *Session) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasSystem() {
		return ""
	}
	return s.turns[0].Text()
}

// SetSystemPrompt replaces the system turn. An empty prompt removes it.
func (s *Session) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.hasSystem()
	switch {
	case prompt == "" && had:
		s.turns = slices.Delete(s.turns, 0, 1)
	case prompt != "" && had:
		s.turns[0] = llm.TextTurn(llm.RoleSystem, prompt)
	case prompt != "":
		s.turns = slices.Insert(s.turns, 0, llm.TextTurn(llm.RoleSystem, prompt))
	}
}

// SetTurns replaces the conversation after the system prompt, for example
// when resuming a saved session.
func (s *Session) SetTurns(turns []llm.Turn) error {
	if s.busy.Load() {
		return ErrBusy
	}
	for i, t := range turns {
		if t.Role == llm.RoleSystem {
			return fmt.Errorf("session: turn %d: system turns are set with SetSystemPrompt", i)
		}
	}
	if err := llm.ValidateHistory(turns); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]llm.Turn, 0, len(turns)+1)
	if s.hasSystem() {
		next = append(next, s.turns[0])
	}
	for _, t := range turns {
		next = append(next, t.Clone())
	}
	s.turns = next
	return nil
}

// Reset clears the conversation and keeps the system prompt.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasSystem() {
		s.turns = s.turns[:1]
	} else {
		s.turns = nil
	}
}

// TokenUsage reports the usage of the last assistant turn.
func (s *Session) TokenUsage() llm.Usage {
	t, ok := s.LastTurn(llm.RoleAssistant)
	if !ok {
		return llm.Usage{}
	}
	return t.Metadata.Usage
}

// TotalUsage sums the usage of every assistant turn in history.
func (s *Session) TotalUsage() llm.Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total llm.Usage
	for _, t := range s.turns {
		if t.Role == llm.RoleAssistant {
			total = total.Add(t.Metadata.Usage)
		}
	}
	return total
}

// TokenCount estimates the input tokens of sending input next.
func (s *Session) TokenCount(input ...llm.Content) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := estimateHistoryTokens(s.turns)
	if len(input) > 0 {
		n += estimateTokens(llm.Turn{Role: llm.RoleUser, Contents: input})
	}
	return n
}

// String returns a summary of the session state.
func (s *Session) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ntools := 0
	if s.registry != nil {
		ntools = len(s.registry.Defs(s.allow...))
	}
	return fmt.Sprintf("Session(provider=%s, tools=%d, history=%d turns, maxRounds=%d)",
		s.provider.Name(), ntools, len(s.turns), s.cfg.MaxToolRounds)
}
