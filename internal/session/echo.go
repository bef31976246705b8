package session

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/michaelbrown/convo/internal/llm"
)

// EchoMode controls what a session writes to its Output while it works.
type EchoMode string

const (
	EchoNone EchoMode = "none"
	// EchoText writes model text as it arrives.
	EchoText EchoMode = "text"
	// EchoAll also writes user input, tool calls, tool results and finish
	// reasons.
	EchoAll EchoMode = "all"
)

// ParseEchoMode accepts "none", "text", "all" and the empty string (none).
func ParseEchoMode(s string) (EchoMode, error) {
	switch m := EchoMode(strings.ToLower(s)); m {
	case "":
		return EchoNone, nil
	case EchoNone, EchoText, EchoAll:
		return m, nil
	}
	return "", fmt.Errorf("unknown echo mode %q (want none, text or all)", s)
}

type echoer struct {
	mode EchoMode
	w    io.Writer
}

func (e echoer) on() bool  { return e.w != nil && (e.mode == EchoText || e.mode == EchoAll) }
func (e echoer) all() bool { return e.w != nil && e.mode == EchoAll }

func (e echoer) user(t llm.Turn) {
	if !e.all() {
		return
	}
	for _, c := range t.Contents {
		switch v := c.(type) {
		case llm.Text:
			fmt.Fprintf(e.w, "> %s\n", v.Value)
		case llm.Image:
			fmt.Fprintf(e.w, "> [image %s]\n", describeImage(v))
		}
	}
}

func (e echoer) text(s string) {
	if e.on() {
		io.WriteString(e.w, s)
	}
}

func (e echoer) end(t llm.Turn) {
	if !e.on() {
		return
	}
	if t.Text() != "" {
		io.WriteString(e.w, "\n")
	}
	if e.all() && t.Metadata.FinishReason != "" {
		fmt.Fprintf(e.w, "[finish: %s]\n", t.Metadata.FinishReason)
	}
}

func (e echoer) toolRequest(r llm.ToolRequest) {
	if e.all() {
		fmt.Fprintf(e.w, "[tool call] %s\n", FormatToolCall(r.Name, r.Arguments))
	}
}

func (e echoer) toolResult(r llm.ToolRequest, res llm.ToolResult) {
	if !e.all() {
		return
	}
	text := res.Text()
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	fmt.Fprintf(e.w, "[tool result] %s: %s\n", r.Name, text)
}

func describeImage(img llm.Image) string {
	switch {
	case img.URL != "":
		return img.URL
	case img.Path != "":
		return img.Path
	}
	return "inline " + img.MediaType
}

// FormatToolCall returns a human-readable string for a tool call, with
// arguments in key order.
func FormatToolCall(name string, args map[string]any) string {
	var parts []string
	for _, k := range slices.Sorted(maps.Keys(args)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}
