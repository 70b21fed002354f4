package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ErrContainerNotFound is returned when the exec target container does not exist.
var ErrContainerNotFound = errors.New("docker: container not found")

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// New creates a new Docker client using environment defaults.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Exec runs cmd inside container, streaming stdout to w. A non-zero exit is returned
// as an error carrying the captured stderr.
func (c *Client) Exec(ctx context.Context, container string, cmd []string, env []string, w io.Writer) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	created, err := c.inner.ContainerExecCreate(ctx, container, types.ExecConfig{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("container %s: %w", container, ErrContainerNotFound)
		}
		return fmt.Errorf("create exec in %s: %w", container, err)
	}
	attached, err := c.inner.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return fmt.Errorf("attach exec in %s: %w", container, err)
	}
	defer attached.Close()

	var stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(w, &stderr, attached.Reader); err != nil {
		return fmt.Errorf("stream exec output: %w", err)
	}
	inspect, err := c.inner.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return fmt.Errorf("inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("%s exited %d: %s", cmd[0], inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
