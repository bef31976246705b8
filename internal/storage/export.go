package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"github.com/michaelbrown/convo/internal/llm"
)

// ExportOptions controls what an export contains.
type ExportOptions struct {
	// Title overrides the conversation title.
	Title string
	// IncludeTools adds tool calls and tool results; otherwise only text
	// and images are exported.
	IncludeTools bool
	// IncludeSystemPrompt appends the system prompt in a <details> block.
	IncludeSystemPrompt bool
}

type exportMessage struct {
	Role    llm.Role
	Heading string
	Text    string
}

// exportMessages flattens turns into displayable messages. System turns
// are dropped; empty messages are skipped.
func exportMessages(turns []llm.Turn, includeTools bool) []exportMessage {
	var out []exportMessage
	for _, t := range turns {
		if t.Role == llm.RoleSystem || (t.Role == llm.RoleTool && !includeTools) {
			continue
		}
		var parts []string
		for _, c := range t.Contents {
			switch v := c.(type) {
			case llm.Text:
				if v.Value != "" {
					parts = append(parts, v.Value)
				}
			case llm.Image:
				parts = append(parts, imageMarkdown(v))
			case llm.ToolRequest:
				if includeTools {
					args, _ := json.Marshal(v.Arguments)
					parts = append(parts, fmt.Sprintf("**Tool Call:** `%s`\n```json\n%s\n```", v.Name, args))
				}
			case llm.ToolResult:
				parts = append(parts, fmt.Sprintf("**Tool Result** (`%s`):\n```\n%s\n```", v.RequestID, v.Text()))
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, exportMessage{Role: t.Role, Heading: heading(t.Role), Text: strings.Join(parts, "\n\n")})
	}
	return out
}

func heading(r llm.Role) string {
	switch r {
	case llm.RoleUser:
		return "You"
	case llm.RoleTool:
		return "Tools"
	}
	return "Assistant"
}

func imageMarkdown(img llm.Image) string {
	switch {
	case img.URL != "":
		return fmt.Sprintf("![image](%s)", img.URL)
	case img.Path != "":
		return fmt.Sprintf("![image](%s)", img.Path)
	}
	return fmt.Sprintf("_[inline %s image]_", img.MediaType)
}

func titleOf(c *Conversation, opts ExportOptions) string {
	if opts.Title != "" {
		return opts.Title
	}
	return c.Title
}

// ExportMarkdown renders a conversation and its turns as a markdown document.
func ExportMarkdown(c *Conversation, turns []llm.Turn, opts ExportOptions) string {
	var b strings.Builder

	if title := titleOf(c, opts); title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	fmt.Fprintf(&b, "- **Conversation:** %s\n", c.ID)
	fmt.Fprintf(&b, "- **Provider:** %s\n", c.Provider)
	fmt.Fprintf(&b, "- **Model:** %s\n", c.Model)
	if c.Profile != "" {
		fmt.Fprintf(&b, "- **Profile:** %s\n", c.Profile)
	}
	if !c.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "- **Created:** %s\n", c.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	if !c.Usage.IsZero() {
		fmt.Fprintf(&b, "- **Tokens:** %d in / %d out\n", c.Usage.InputTokens, c.Usage.OutputTokens)
	}
	b.WriteString("\n---\n\n")

	for _, m := range exportMessages(turns, opts.IncludeTools) {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", m.Heading, m.Text)
	}

	if opts.IncludeSystemPrompt && c.SystemPrompt != "" {
		fmt.Fprintf(&b, "<details><summary>System prompt</summary>\n\n%s\n\n</details>\n", c.SystemPrompt)
	}
	return b.String()
}

var htmlPage = template.Must(template.New("conversation").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{if .Title}}{{.Title}}{{else}}Conversation {{.ID}}{{end}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 52rem; margin: 2rem auto; padding: 0 1rem; }
.message { white-space: pre-wrap; padding: .75rem 1rem; margin: .75rem 0; border-radius: .5rem; }
.message h2 { font-size: .8rem; margin: 0 0 .4rem; text-transform: uppercase; color: #666; }
.user { background: #eef3ff; }
.assistant { background: #f4f4f4; }
.tool { background: #fff8e1; font-family: ui-monospace, monospace; font-size: .85rem; }
</style>
</head>
<body>
{{if .Title}}<h1>{{.Title}}</h1>
{{end}}{{range .Messages}}<div class="message {{.Role}}"><h2>{{.Heading}}</h2>{{.Text}}</div>
{{end}}{{if .SystemPrompt}}<br><br>
<details><summary>System prompt</summary>
<pre>{{.SystemPrompt}}</pre>
</details>
{{end}}</body>
</html>
`))

// ExportHTML renders a conversation as a standalone HTML page.
func ExportHTML(c *Conversation, turns []llm.Turn, opts ExportOptions) (string, error) {
	data := struct {
		ID           string
		Title        string
		Messages     []exportMessage
		SystemPrompt string
	}{
		ID:       c.ID,
		Title:    titleOf(c, opts),
		Messages: exportMessages(turns, opts.IncludeTools),
	}
	if opts.IncludeSystemPrompt {
		data.SystemPrompt = c.SystemPrompt
	}
	var b strings.Builder
	if err := htmlPage.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering html: %w", err)
	}
	return b.String(), nil
}

// ExportJSON renders a conversation and its turns as formatted JSON.
func ExportJSON(c *Conversation, turns []llm.Turn) ([]byte, error) {
	export := struct {
		Conversation *Conversation `json:"conversation"`
		Turns        []llm.Turn    `json:"turns"`
	}{
		Conversation: c,
		Turns:        turns,
	}
	return json.MarshalIndent(export, "", "  ")
}

// ExportFile writes an export chosen by the file extension: .md, .html or
// .json. An existing file is only replaced when overwrite is set.
func ExportFile(path string, c *Conversation, turns []llm.Turn, opts ExportOptions, overwrite bool) error {
	if len(turns) == 0 {
		return errors.New("no turns to export")
	}
	if _, err := os.Stat(path); err == nil && !overwrite {
		return fmt.Errorf("%s already exists", path)
	}

	var data []byte
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".md", ".markdown":
		data = []byte(ExportMarkdown(c, turns, opts))
	case ".html", ".htm":
		page, err := ExportHTML(c, turns, opts)
		if err != nil {
			return err
		}
		data = []byte(page)
	case ".json":
		out, err := ExportJSON(c, turns)
		if err != nil {
			return fmt.Errorf("exporting json: %w", err)
		}
		data = out
	default:
		return fmt.Errorf("unsupported export format %q (want .md, .html or .json)", ext)
	}
	return os.WriteFile(path, data, 0o644)
}
