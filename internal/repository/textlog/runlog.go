// Package textlog stores run logs and backup history as append-only text files.
package textlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/internal/repository"
)

var _ repository.RunLog = (*RunLog)(nil)

// RunLog appends one JSON object per line.
type RunLog struct {
	path string
	mu   sync.Mutex
}

// NewRunLog returns a run log writing to path, creating parent directories lazily.
func NewRunLog(path string) *RunLog {
	return &RunLog{path: path}
}

// Entry is one line of the run log.
type Entry struct {
	Type             string             `json:"type"`
	RunID            string             `json:"run_id"`
	GitRef           string             `json:"git_ref,omitempty"`
	DryRun           bool               `json:"dry_run,omitempty"`
	Time             time.Time          `json:"time"`
	Server           string             `json:"server,omitempty"`
	State            domain.ServerState `json:"state,omitempty"`
	FailedPhase      domain.ServerState `json:"failed_phase,omitempty"`
	PreviousRevision string             `json:"previous_revision,omitempty"`
	Revision         string             `json:"revision,omitempty"`
	Error            string             `json:"error,omitempty"`
	Actions          []string           `json:"actions,omitempty"`
	Summary          *domain.RunSummary `json:"summary,omitempty"`
}

// AppendServer records a server outcome.
func (l *RunLog) AppendServer(_ context.Context, run *domain.DeploymentRun, status domain.ServerStatus) error {
	return l.write(Entry{
		Type:             "server",
		RunID:            run.RunID,
		GitRef:           run.GitRef,
		DryRun:           run.DryRun,
		Time:             status.FinishedAt,
		Server:           status.Server,
		State:            status.State,
		FailedPhase:      status.FailedPhase,
		PreviousRevision: status.PreviousRevision,
		Revision:         status.Revision,
		Error:            status.Error,
		Actions:          status.Actions,
	})
}

// AppendSummary records the end of a run.
func (l *RunLog) AppendSummary(_ context.Context, run *domain.DeploymentRun) error {
	summary := run.Summary()
	return l.write(Entry{
		Type:    "summary",
		RunID:   run.RunID,
		GitRef:  run.GitRef,
		DryRun:  run.DryRun,
		Time:    run.FinishedAt,
		Summary: &summary,
	})
}

// Read returns every entry in the log.
func (l *RunLog) Read() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []Entry
	dec := json.NewDecoder(f)
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return out, fmt.Errorf("decode run log: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *RunLog) write(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode run log entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return appendLine(l.path, line)
}

func appendLine(path string, line []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Close()
}
