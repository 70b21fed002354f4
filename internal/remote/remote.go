// Package remote runs shell commands on fleet servers.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/splax/tenantops/internal/domain"
)

// Result is the outcome of one command invocation.
type Result struct {
	Command  string
	Output   string
	ExitCode int
	Duration time.Duration
}

// Executor runs a command on a server. A zero timeout means no deadline beyond ctx.
// Timeouts wrap domain.ErrRemoteTimeout and non-zero exits wrap
// domain.ErrRemoteCommandFailed.
type Executor interface {
	Run(ctx context.Context, server domain.ServerRecord, command string, timeout time.Duration) (Result, error)
}

// LocalAddress marks a server whose commands run on the control host.
const LocalAddress = "local"

// Auto dispatches to Local for servers addressed as "local" and to Remote otherwise.
type Auto struct {
	Local  Executor
	Remote Executor
}

// Run implements Executor.
func (a Auto) Run(ctx context.Context, server domain.ServerRecord, command string, timeout time.Duration) (Result, error) {
	if IsLocal(server) {
		if a.Local == nil {
			return Result{}, errors.New("local executor is not configured")
		}
		return a.Local.Run(ctx, server, command, timeout)
	}
	if a.Remote == nil {
		return Result{}, errors.New("remote executor is not configured")
	}
	return a.Remote.Run(ctx, server, command, timeout)
}

// IsLocal reports whether server is the control host.
func IsLocal(server domain.ServerRecord) bool {
	return strings.EqualFold(server.Address, LocalAddress)
}

// withTimeout bounds ctx by timeout when it is positive.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func timeoutError(server domain.ServerRecord, command string, timeout time.Duration) error {
	return fmt.Errorf("%s: %q after %s: %w", server.Name, command, timeout, domain.ErrRemoteTimeout)
}

func exitError(server domain.ServerRecord, command string, code int, output string) error {
	return fmt.Errorf("%s: %q exited %d: %s: %w", server.Name, command, code, tail(output, 512), domain.ErrRemoteCommandFailed)
}

// tail keeps the last n bytes of s.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
