package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/splax/tenantops/internal/domain"
)

// Local runs commands through the control host's shell.
type Local struct {
	Shell string
	Dir   string
}

// Run implements Executor.
func (l Local) Run(ctx context.Context, server domain.ServerRecord, command string, timeout time.Duration) (Result, error) {
	shell := l.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	runCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, shell, "-c", command)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	res := Result{Command: command, Output: string(output), Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.ExitCode = -1
		return res, timeoutError(server, command, timeout)
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %q: %w", server.Name, command, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, exitError(server, command, res.ExitCode, res.Output)
	}
	return res, fmt.Errorf("%s: run %q: %w", server.Name, command, err)
}
