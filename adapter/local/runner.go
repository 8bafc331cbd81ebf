package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// CommandRunner abstracts the container engine CLI so the adapter is
// testable without a daemon.
type CommandRunner interface {
	// Run executes the engine binary with args and returns trimmed stdout.
	Run(ctx context.Context, args ...string) (string, error)
}

// StreamRunner is implemented by runners that can attach long-lived output
// (docker logs -f) directly to a writer.
type StreamRunner interface {
	Stream(ctx context.Context, w io.Writer, args ...string) error
}

// ExecRunner shells out to the engine binary (docker by default).
type ExecRunner struct {
	// Binary is the engine CLI, "docker" when empty.
	Binary string
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	bin := r.Binary
	if bin == "" {
		bin = "docker"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", bin, args[0], err, tail(stderr.Bytes(), 2048))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Stream attaches stdout and stderr to w until the command exits or ctx
// cancels.
func (r *ExecRunner) Stream(ctx context.Context, w io.Writer, args ...string) error {
	bin := r.Binary
	if bin == "" {
		bin = "docker"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s %s: %w", bin, args[0], err)
	}
	return nil
}

// tail returns the last limit bytes of b as a string.
func tail(b []byte, limit int) string {
	if len(b) > limit {
		b = b[len(b)-limit:]
	}
	return strings.TrimSpace(string(b))
}
