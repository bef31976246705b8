package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Docker runs code with the docker CLI.
type Docker struct {
	Policy Policy
	// Binary defaults to "docker".
	Binary string
}

// NewDocker creates a Docker runner with the given policy.
func NewDocker(policy Policy) *Docker {
	return &Docker{Policy: policy, Binary: "docker"}
}

func (d *Docker) Run(ctx context.Context, req Request) (*Result, error) {
	lang, err := d.Policy.Language(req.Language)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "convo-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, lang.File), []byte(req.Code), 0o644); err != nil {
		return nil, fmt.Errorf("writing code file: %w", err)
	}

	if d.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Policy.Timeout)
		defer cancel()
	}

	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}
	cmd := exec.CommandContext(ctx, bin, d.args(dir, lang, req.Stdin != "")...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	res := &Result{}
	err = cmd.Run()
	res.Stdout, res.Stderr = stdout.String(), stderr.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("running docker: %w", err)
	}
	return res, nil
}

// args builds the docker run command line for code mounted from dir.
func (d *Docker) args(dir string, lang Language, stdin bool) []string {
	args := []string{"run", "--rm"}
	if stdin {
		args = append(args, "-i")
	}
	if d.Policy.Memory != "" {
		args = append(args, "--memory", d.Policy.Memory)
	}
	if !d.Policy.Network {
		args = append(args, "--network=none")
	}
	args = append(args, "-v", dir+":/workspace:ro", "-w", "/workspace", lang.Image)
	return append(args, lang.Command...)
}
