// Package builtin provides the tools convo ships with.
package builtin

import (
	"context"
	"os/exec"

	"github.com/michaelbrown/convo/internal/tools"
)

const maxOutput = 4000

type shellArgs struct {
	Command string `json:"command" jsonschema:"description=The shell command to execute"`
	Workdir string `json:"workdir,omitempty" jsonschema:"description=Working directory for the command (optional)"`
}

// ShellExec runs a shell command and returns stdout+stderr. A non-zero exit
// is reported in the output rather than as a tool failure.
var ShellExec = tools.MustTyped("shell_exec",
	"Execute a shell command and return the combined stdout and stderr output. Use this to run system commands, check files, install packages, etc.",
	func(ctx context.Context, args shellArgs) (string, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
		if args.Workdir != "" {
			cmd.Dir = args.Workdir
		}

		output, err := cmd.CombinedOutput()
		result := string(output)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			result += "\nexit error: " + err.Error()
		}
		return truncate(result), nil
	})

func truncate(s string) string {
	if len(s) > maxOutput {
		return s[:maxOutput] + "\n... (output truncated)"
	}
	return s
}
