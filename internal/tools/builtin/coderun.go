package builtin

import (
	"context"

	"github.com/michaelbrown/convo/internal/sandbox"
	"github.com/michaelbrown/convo/internal/tools"
)

type codeRunArgs struct {
	Language string `json:"language" jsonschema:"enum=python,enum=node,enum=go,enum=ruby,enum=sh,description=Language of the code"`
	Code     string `json:"code" jsonschema:"description=Complete program source"`
	Stdin    string `json:"stdin,omitempty" jsonschema:"description=Input passed on stdin (optional)"`
}

// Runner executes code_run requests. Replace it to change the policy.
var Runner sandbox.Runner = sandbox.NewDocker(sandbox.DefaultPolicy())

var CodeRun = tools.MustTyped("code_run",
	"Run a short program in an isolated container without network access and return its stdout, stderr and exit code.",
	func(ctx context.Context, args codeRunArgs) (*sandbox.Result, error) {
		res, err := Runner.Run(ctx, sandbox.Request{Language: args.Language, Code: args.Code, Stdin: args.Stdin})
		if err != nil {
			return nil, err
		}
		res.Stdout = truncate(res.Stdout)
		res.Stderr = truncate(res.Stderr)
		return res, nil
	})
