package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// Role represents who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// FinishReason is the canonical reason a model stopped generating.
// Providers map their raw values onto this set; the raw string is kept
// in Metadata.RawFinishReason.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishUnknown       FinishReason = "unknown"
)

// Usage counts tokens for one model response. Extra holds provider
// specific counters such as cached or reasoning tokens.
type Usage struct {
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	Extra        map[string]int64 `json:"extra,omitempty"`
}

// IsZero reports whether no counters were reported.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && len(u.Extra) == 0
}

// Merge overlays non-zero counters from other onto u.
func (u Usage) Merge(other Usage) Usage {
	if other.InputTokens != 0 {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens != 0 {
		u.OutputTokens = other.OutputTokens
	}
	if len(other.Extra) > 0 {
		extra := make(map[string]int64, len(u.Extra)+len(other.Extra))
		maps.Copy(extra, u.Extra)
		maps.Copy(extra, other.Extra)
		u.Extra = extra
	}
	return u
}

// Add sums two usages counter by counter.
func (u Usage) Add(other Usage) Usage {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	if len(other.Extra) > 0 {
		extra := make(map[string]int64, len(u.Extra)+len(other.Extra))
		maps.Copy(extra, u.Extra)
		for k, v := range other.Extra {
			extra[k] += v
		}
		u.Extra = extra
	}
	return u
}

// Metadata is attached to model-produced turns.
type Metadata struct {
	FinishReason    FinishReason    `json:"finish_reason,omitempty"`
	RawFinishReason string          `json:"raw_finish_reason,omitempty"`
	Usage           Usage           `json:"usage"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Merge overlays the set fields of other onto m.
func (m Metadata) Merge(other Metadata) Metadata {
	if other.FinishReason != "" {
		m.FinishReason = other.FinishReason
		m.RawFinishReason = other.RawFinishReason
	}
	m.Usage = m.Usage.Merge(other.Usage)
	if len(other.Raw) > 0 {
		m.Raw = other.Raw
	}
	return m
}

// Turn is one complete contribution to a conversation.
type Turn struct {
	Role     Role
	Contents []Content
	Metadata Metadata
}

// NewTurn builds a turn and validates every content block.
func NewTurn(role Role, contents ...Content) (Turn, error) {
	t := Turn{Role: role, Contents: contents}
	if err := t.Validate(); err != nil {
		return Turn{}, err
	}
	return t, nil
}

// TextTurn is shorthand for a turn holding a single text block.
func TextTurn(role Role, text string) Turn {
	return Turn{Role: role, Contents: []Content{Text{Value: text}}}
}

// Validate checks the role and every content block.
func (t Turn) Validate() error {
	if !t.Role.valid() {
		return fmt.Errorf("turn: invalid role %q", t.Role)
	}
	for i, c := range t.Contents {
		if c == nil {
			return fmt.Errorf("turn: content %d is nil", i)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("turn: content %d: %w", i, err)
		}
	}
	return nil
}

// Text concatenates the turn's text blocks.
func (t Turn) Text() string {
	var sb strings.Builder
	for _, c := range t.Contents {
		if txt, ok := c.(Text); ok {
			sb.WriteString(txt.Value)
		}
	}
	return sb.String()
}

// ToolRequests returns the tool requests in order of appearance.
func (t Turn) ToolRequests() []ToolRequest {
	var out []ToolRequest
	for _, c := range t.Contents {
		if r, ok := c.(ToolRequest); ok {
			out = append(out, r)
		}
	}
	return out
}

// ToolResults returns the tool results in order of appearance.
func (t Turn) ToolResults() []ToolResult {
	var out []ToolResult
	for _, c := range t.Contents {
		if r, ok := c.(ToolResult); ok {
			out = append(out, r)
		}
	}
	return out
}

// HasImages reports whether the turn carries any image block.
func (t Turn) HasImages() bool {
	for _, c := range t.Contents {
		if _, ok := c.(Image); ok {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, so callers cannot mutate a finalized turn.
func (t Turn) Clone() Turn {
	out := Turn{Role: t.Role, Metadata: t.Metadata}
	if t.Contents != nil {
		out.Contents = make([]Content, len(t.Contents))
		for i, c := range t.Contents {
			if r, ok := c.(ToolRequest); ok {
				r.Arguments = cloneValue(r.Arguments).(map[string]any)
				c = r
			}
			out.Contents[i] = c
		}
	}
	if t.Metadata.Usage.Extra != nil {
		out.Metadata.Usage.Extra = maps.Clone(t.Metadata.Usage.Extra)
	}
	if t.Metadata.Raw != nil {
		out.Metadata.Raw = bytes.Clone(t.Metadata.Raw)
	}
	return out
}

// Equal compares role and contents by their canonical encoding.
// Metadata is ignored.
func (t Turn) Equal(other Turn) bool {
	if t.Role != other.Role || len(t.Contents) != len(other.Contents) {
		return false
	}
	for i := range t.Contents {
		a, errA := MarshalContent(t.Contents[i])
		b, errB := MarshalContent(other.Contents[i])
		if errA != nil || errB != nil || !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}

type turnJSON struct {
	Role     Role              `json:"role"`
	Contents []json.RawMessage `json:"contents"`
	Metadata *Metadata         `json:"metadata,omitempty"`
}

func (t Turn) MarshalJSON() ([]byte, error) {
	out := turnJSON{Role: t.Role, Contents: make([]json.RawMessage, 0, len(t.Contents))}
	for _, c := range t.Contents {
		data, err := MarshalContent(c)
		if err != nil {
			return nil, err
		}
		out.Contents = append(out.Contents, data)
	}
	if t.Metadata.FinishReason != "" || !t.Metadata.Usage.IsZero() || len(t.Metadata.Raw) > 0 {
		md := t.Metadata
		out.Metadata = &md
	}
	return json.Marshal(out)
}

func (t *Turn) UnmarshalJSON(data []byte) error {
	var in turnJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	turn := Turn{Role: in.Role}
	for _, raw := range in.Contents {
		c, err := UnmarshalContent(raw)
		if err != nil {
			return err
		}
		turn.Contents = append(turn.Contents, c)
	}
	if in.Metadata != nil {
		turn.Metadata = *in.Metadata
	}
	if err := turn.Validate(); err != nil {
		return err
	}
	*t = turn
	return nil
}

// ValidateHistory checks every turn and rejects tool results whose request
// id does not appear in an earlier tool request.
func ValidateHistory(turns []Turn) error {
	seen := make(map[string]bool)
	for i, t := range turns {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("turn %d: %w", i, err)
		}
		for _, c := range t.Contents {
			switch v := c.(type) {
			case ToolRequest:
				seen[v.ID] = true
			case ToolResult:
				if !seen[v.RequestID] {
					return fmt.Errorf("turn %d: %w: %s", i, ErrOrphanToolResult, v.RequestID)
				}
			}
		}
	}
	return nil
}

// UnresolvedRequests returns the tool requests with no later result.
func UnresolvedRequests(turns []Turn) []ToolRequest {
	answered := make(map[string]bool)
	for _, t := range turns {
		for _, r := range t.ToolResults() {
			answered[r.RequestID] = true
		}
	}
	var out []ToolRequest
	for _, t := range turns {
		for _, r := range t.ToolRequests() {
			if !answered[r.ID] {
				out = append(out, r)
			}
		}
	}
	return out
}

// ToolTurnsAsText rewrites tool requests and results as plain text, for
// providers that do not accept tools. Tool turns become user turns.
func ToolTurnsAsText(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		if len(t.ToolRequests()) == 0 && len(t.ToolResults()) == 0 {
			out[i] = t
			continue
		}
		nt := Turn{Role: t.Role, Metadata: t.Metadata, Contents: make([]Content, len(t.Contents))}
		if nt.Role == RoleTool {
			nt.Role = RoleUser
		}
		for j, c := range t.Contents {
			switch v := c.(type) {
			case ToolRequest:
				args, err := json.Marshal(v.Arguments)
				if err != nil {
					args = []byte(fmt.Sprint(v.Arguments))
				}
				nt.Contents[j] = Text{Value: fmt.Sprintf("[tool call %s: %s(%s)]", v.ID, v.Name, args)}
			case ToolResult:
				nt.Contents[j] = Text{Value: fmt.Sprintf("[tool result %s]: %s", v.RequestID, v.Text())}
			default:
				nt.Contents[j] = c
			}
		}
		out[i] = nt
	}
	return out
}

// ToolDef describes a tool to a provider.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
	// Force makes the model answer with a call to this tool. At most one
	// definition in a request may set it.
	Force bool `json:"-"`
}

// ForcedTool returns the name of the definition with Force set.
func ForcedTool(tools []ToolDef) (string, bool) {
	for _, t := range tools {
		if t.Force {
			return t.Name, true
		}
	}
	return "", false
}

// ModelInfo describes a model available on the provider.
type ModelInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
