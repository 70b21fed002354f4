package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/splax/tenantops/internal/domain"
)

// SSHConfig configures the SSH executor.
type SSHConfig struct {
	User           string
	Port           int
	KnownHostsFile string
	Insecure       bool
	CredentialsDir string
	DialTimeout    time.Duration
}

// SSH runs commands over an SSH session per invocation.
type SSH struct {
	cfg      SSHConfig
	hostKeys ssh.HostKeyCallback
}

// NewSSH validates cfg and loads the known hosts file.
func NewSSH(cfg SSHConfig) (*SSH, error) {
	if cfg.User == "" {
		return nil, errors.New("ssh user is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	var callback ssh.HostKeyCallback
	switch {
	case cfg.Insecure:
		callback = ssh.InsecureIgnoreHostKey()
	case cfg.KnownHostsFile != "":
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		callback = cb
	default:
		return nil, errors.New("ssh known hosts file is required unless insecure mode is enabled")
	}
	return &SSH{cfg: cfg, hostKeys: callback}, nil
}

// Addr returns host:port for server, applying the default port.
func (s *SSH) Addr(server domain.ServerRecord) string {
	if _, _, err := net.SplitHostPort(server.Address); err == nil {
		return server.Address
	}
	return net.JoinHostPort(server.Address, fmt.Sprint(s.cfg.Port))
}

func (s *SSH) signer(server domain.ServerRecord) (ssh.Signer, error) {
	ref := server.CredentialRef
	if ref == "" {
		ref = "id_ed25519"
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.CredentialsDir, ref)
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential %s: %w", ref, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse credential %s: %w", ref, err)
	}
	return signer, nil
}

// Run implements Executor.
func (s *SSH) Run(ctx context.Context, server domain.ServerRecord, command string, timeout time.Duration) (Result, error) {
	res := Result{Command: command}
	signer, err := s.signer(server)
	if err != nil {
		return res, err
	}
	runCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	client, err := s.dial(runCtx, server, signer)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return res, timeoutError(server, command, timeout)
		}
		return res, fmt.Errorf("%s: dial: %w", server.Name, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return res, fmt.Errorf("%s: open session: %w", server.Name, err)
	}
	defer session.Close()

	type outcome struct {
		output []byte
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- outcome{output: out, err: err}
	}()

	select {
	case <-runCtx.Done():
		// Closing the client unblocks CombinedOutput.
		client.Close()
		res.Duration = time.Since(start)
		res.ExitCode = -1
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s: %q: %w", server.Name, command, ctx.Err())
		}
		return res, timeoutError(server, command, timeout)
	case out := <-done:
		res.Duration = time.Since(start)
		res.Output = string(out.output)
		if out.err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(out.err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, exitError(server, command, res.ExitCode, res.Output)
		}
		res.ExitCode = -1
		return res, fmt.Errorf("%s: run %q: %w", server.Name, command, out.err)
	}
}

func (s *SSH) dial(ctx context.Context, server domain.ServerRecord, signer ssh.Signer) (*ssh.Client, error) {
	addr := s.Addr(server)
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	clientConfig := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: s.hostKeys,
		Timeout:         s.cfg.DialTimeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}
