package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/michaelbrown/convo/internal/tools"
)

type readArgs struct {
	Path      string `json:"path" jsonschema:"description=Path to the file to read"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=First line to read (1-based and optional)"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Last line to read (1-based and inclusive)"`
}

var FileRead = tools.MustTyped("file_read",
	"Read the contents of a file. Optionally specify a line range.",
	func(_ context.Context, args readArgs) (string, error) {
		data, err := os.ReadFile(args.Path)
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		content := string(data)
		if args.StartLine == 0 && args.EndLine == 0 {
			return truncate(content), nil
		}

		lines := strings.Split(content, "\n")
		start, end := max(args.StartLine, 1), args.EndLine
		if end == 0 || end > len(lines) {
			end = len(lines)
		}
		if start > end {
			return "", errors.New("start_line > end_line")
		}
		return truncate(strings.Join(lines[start-1:end], "\n")), nil
	})

type writeArgs struct {
	Path    string `json:"path" jsonschema:"description=Path to the file to write"`
	Content string `json:"content" jsonschema:"description=Content to write to the file"`
}

var FileWrite = tools.MustTyped("file_write",
	"Write content to a file, creating it if it doesn't exist. Overwrites existing content.",
	func(_ context.Context, args writeArgs) (string, error) {
		if dir := filepath.Dir(args.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("creating directories: %w", err)
			}
		}
		if err := os.WriteFile(args.Path, []byte(args.Content), 0o644); err != nil {
			return "", fmt.Errorf("writing file: %w", err)
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
	})

type listArgs struct {
	Path    string `json:"path" jsonschema:"description=Directory path to list"`
	Pattern string `json:"pattern,omitempty" jsonschema:"description=Glob pattern to filter files (e.g. '*.go')"`
}

var FileList = tools.MustTyped("file_list",
	"List files in a directory, optionally filtered by a glob pattern.",
	func(_ context.Context, args listArgs) ([]string, error) {
		path := args.Path
		if path == "" {
			path = "."
		}
		if args.Pattern != "" {
			return filepath.Glob(filepath.Join(path, args.Pattern))
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("listing directory: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		return names, nil
	})
