package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/splax/tenantops/internal/docker"
)

// Dumper writes an online logical snapshot of one database to w.
type Dumper interface {
	Dump(ctx context.Context, descriptor string, w io.Writer) error
}

// dumpArgs are the pg_dump flags shared by every dumper. pg_dump reads from an MVCC
// snapshot and does not block writers.
func dumpArgs(descriptor string) []string {
	return []string{"--dbname=" + descriptor, "--format=plain", "--no-owner", "--no-privileges"}
}

// LocalDumper runs pg_dump on the control host.
type LocalDumper struct {
	Path string
}

// Dump implements Dumper.
func (d LocalDumper) Dump(ctx context.Context, descriptor string, w io.Writer) error {
	bin := d.Path
	if bin == "" {
		bin = "pg_dump"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, dumpArgs(descriptor)...)
	cmd.Stdout = w
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pg_dump: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// DockerDumper runs pg_dump inside the postgres container.
type DockerDumper struct {
	Client    *docker.Client
	Container string
}

// Dump implements Dumper.
func (d DockerDumper) Dump(ctx context.Context, descriptor string, w io.Writer) error {
	cmd := append([]string{"pg_dump"}, dumpArgs(descriptor)...)
	if err := d.Client.Exec(ctx, d.Container, cmd, nil, w); err != nil {
		return fmt.Errorf("pg_dump in %s: %w", d.Container, err)
	}
	return nil
}
