package builtin

import (
	"context"
	"slices"
	"time"

	"github.com/michaelbrown/convo/internal/tools"
)

type clockArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as Europe/Paris (defaults to local time)"`
}

var CurrentTime = tools.MustTyped("current_time",
	"Return the current date and time, optionally in a given timezone.",
	func(_ context.Context, args clockArgs) (string, error) {
		now := time.Now()
		if args.Timezone != "" {
			loc, err := time.LoadLocation(args.Timezone)
			if err != nil {
				return "", err
			}
			now = now.In(loc)
		}
		return now.Format(time.RFC3339), nil
	})

// All returns every builtin tool.
func All() []tools.Tool {
	return []tools.Tool{ShellExec, FileRead, FileWrite, FileList, CurrentTime, CodeRun, WebFetch, WebSearch}
}

// Register adds the named builtins to r, or all of them when names is empty.
func Register(r *tools.Registry, names ...string) error {
	for _, t := range All() {
		if len(names) > 0 && !slices.Contains(names, t.Name) {
			continue
		}
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
