package textlog

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/internal/repository"
)

var _ repository.BackupHistory = (*BackupHistory)(nil)

const prunedMarker = "pruned"

// BackupHistory stores "<RFC3339>|<kind>|<target>|<path>|<size>" lines. Pruned
// artifacts are recorded as "<RFC3339>|pruned|<kind>|<target>|<path>".
type BackupHistory struct {
	path string
	mu   sync.Mutex
}

// NewBackupHistory returns a history log at path.
func NewBackupHistory(path string) *BackupHistory {
	return &BackupHistory{path: path}
}

// Record appends a written backup.
func (h *BackupHistory) Record(_ context.Context, rec domain.BackupRecord) error {
	line := strings.Join([]string{
		rec.CreatedAt.UTC().Format(time.RFC3339),
		string(rec.Kind),
		rec.Target,
		rec.Path,
		strconv.FormatInt(rec.Size, 10),
	}, "|")
	h.mu.Lock()
	defer h.mu.Unlock()
	return appendLine(h.path, []byte(line))
}

// RecordPruned appends a removal event.
func (h *BackupHistory) RecordPruned(_ context.Context, rec domain.BackupRecord, at time.Time) error {
	line := strings.Join([]string{
		at.UTC().Format(time.RFC3339),
		prunedMarker,
		string(rec.Kind),
		rec.Target,
		rec.Path,
	}, "|")
	h.mu.Lock()
	defer h.mu.Unlock()
	return appendLine(h.path, []byte(line))
}

// List returns recorded backups that have not been pruned, oldest first.
func (h *BackupHistory) List(_ context.Context) ([]domain.BackupRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []domain.BackupRecord
	pruned := map[string]bool{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) == 5 && fields[1] == prunedMarker {
			pruned[fields[4]] = true
			continue
		}
		rec, err := parseRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", h.path, lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	out := records[:0]
	for _, rec := range records {
		if !pruned[rec.Path] {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Last returns the most recent live record.
func (h *BackupHistory) Last(ctx context.Context) (domain.BackupRecord, error) {
	records, err := h.List(ctx)
	if err != nil {
		return domain.BackupRecord{}, err
	}
	if len(records) == 0 {
		return domain.BackupRecord{}, fmt.Errorf("backup history: %w", domain.ErrNotFound)
	}
	return records[len(records)-1], nil
}

func parseRecord(fields []string) (domain.BackupRecord, error) {
	if len(fields) != 5 {
		return domain.BackupRecord{}, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	ts, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return domain.BackupRecord{}, fmt.Errorf("parse time: %w", err)
	}
	kind, err := domain.ParseBackupKind(fields[1])
	if err != nil {
		return domain.BackupRecord{}, err
	}
	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return domain.BackupRecord{}, fmt.Errorf("parse size: %w", err)
	}
	return domain.BackupRecord{Target: fields[2], Kind: kind, Path: fields[3], Size: size, CreatedAt: ts}, nil
}
