package textlog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/splax/tenantops/internal/domain"
)

func TestRunLogAppendsAndReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "deploy.jsonl")
	l := NewRunLog(path)
	ctx := context.Background()
	run := &domain.DeploymentRun{RunID: "run-1", GitRef: "origin/main", StartedAt: time.Now()}

	var wg sync.WaitGroup
	for _, name := range []string{"app-1", "bigcorp", "acme"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := domain.ServerStatus{Server: name, State: domain.StateSucceeded, FinishedAt: time.Now()}
			if err := l.AppendServer(ctx, run, status); err != nil {
				t.Errorf("AppendServer returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	run.Servers = []domain.ServerStatus{{Server: "app-1", State: domain.StateSucceeded}, {Server: "acme", State: domain.StateRollbackFailed}}
	run.FinishedAt = time.Now()
	if err := l.AppendSummary(ctx, run); err != nil {
		t.Fatalf("AppendSummary returned error: %v", err)
	}

	entries, err := l.Read()
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	last := entries[3]
	if last.Type != "summary" || last.Summary == nil || last.Summary.RollbackFailed != 1 {
		t.Fatalf("unexpected summary entry %+v", last)
	}
	for _, e := range entries[:3] {
		if e.Type != "server" || e.RunID != "run-1" {
			t.Fatalf("unexpected server entry %+v", e)
		}
	}
}

func TestBackupHistoryListSkipsPruned(t *testing.T) {
	h := NewBackupHistory(filepath.Join(t.TempDir(), "backup_history.log"))
	ctx := context.Background()

	if _, err := h.Last(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty history, got %v", err)
	}

	base := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	old := domain.BackupRecord{Target: "shared", Kind: domain.BackupDaily, Path: "/b/daily/shared_20260301-030000.sql.gz", Size: 10, CreatedAt: base}
	fresh := domain.BackupRecord{Target: "helmex", Kind: domain.BackupWeekly, Path: "/b/weekly/helmex_20260309-040000.sql.gz", Size: 2048, CreatedAt: base.Add(8 * 24 * time.Hour)}
	for _, rec := range []domain.BackupRecord{old, fresh} {
		if err := h.Record(ctx, rec); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}
	if err := h.RecordPruned(ctx, old, base.Add(9*24*time.Hour)); err != nil {
		t.Fatalf("RecordPruned returned error: %v", err)
	}

	records, err := h.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(records) != 1 || records[0].Path != fresh.Path || records[0].Size != 2048 {
		t.Fatalf("unexpected records %+v", records)
	}
	last, err := h.Last(ctx)
	if err != nil {
		t.Fatalf("Last returned error: %v", err)
	}
	if !last.CreatedAt.Equal(fresh.CreatedAt) || last.Kind != domain.BackupWeekly {
		t.Fatalf("unexpected last record %+v", last)
	}
}
