package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/splax/tenantops/internal/domain"
)

// TimestampLayout is the timestamp embedded in artifact names.
const TimestampLayout = "20060102-150405"

// Artifact is one backup file found on disk.
type Artifact struct {
	Path      string
	Target    string
	Kind      domain.BackupKind
	Size      int64
	CreatedAt time.Time
}

// Manager owns backup directories under a common root, one per kind.
type Manager struct {
	root string
}

// New ensures the backup root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("backup root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve backup root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create backup root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute backup root.
func (m *Manager) Root() string {
	return m.root
}

// KindDir creates and returns the directory holding artifacts of kind.
func (m *Manager) KindDir(kind domain.BackupKind) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("backup kind cannot be empty")
	}
	dir := filepath.Join(m.root, string(kind))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create %s dir: %w", kind, err)
	}
	return dir, nil
}

// ArtifactPath returns <root>/<kind>/<target>_<timestamp><ext>.
func (m *Manager) ArtifactPath(kind domain.BackupKind, target string, ts time.Time, ext string) (string, error) {
	if target == "" || strings.ContainsAny(target, `/\`) {
		return "", fmt.Errorf("invalid backup target %q", target)
	}
	dir, err := m.KindDir(kind)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, target+"_"+ts.UTC().Format(TimestampLayout)+ext), nil
}

// maxArtifactSeq bounds the same-second suffixes tried by Create.
const maxArtifactSeq = 100

// Create opens a new artifact file exclusively. When a run in the same second already
// wrote <target>_<timestamp><ext>, a -2, -3, ... suffix is appended to the timestamp.
func (m *Manager) Create(kind domain.BackupKind, target string, ts time.Time, ext string) (*os.File, error) {
	path, err := m.ArtifactPath(kind, target, ts, ext)
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(path, ext)
	for seq := 1; seq <= maxArtifactSeq; seq++ {
		candidate := path
		if seq > 1 {
			candidate = base + "-" + strconv.Itoa(seq) + ext
		}
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create %s: %w", candidate, err)
		}
	}
	return nil, fmt.Errorf("create %s: %d artifacts already exist for this second", path, maxArtifactSeq)
}

// List returns the artifacts of kind, oldest first. The timestamp comes from the file
// name, falling back to the modification time.
func (m *Manager) List(kind domain.BackupKind) ([]Artifact, error) {
	dir := filepath.Join(m.root, string(kind))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s backups: %w", kind, err)
	}
	var out []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		a := Artifact{Path: filepath.Join(dir, e.Name()), Kind: kind, Size: info.Size(), CreatedAt: info.ModTime().UTC()}
		if target, ts, ok := ParseArtifactName(e.Name()); ok {
			a.Target = target
			a.CreatedAt = ts
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ParseArtifactName splits "<target>_<timestamp>[-<seq>].<ext...>".
func ParseArtifactName(name string) (string, time.Time, bool) {
	base, _, _ := strings.Cut(name, ".")
	idx := strings.LastIndex(base, "_")
	if idx <= 0 {
		return "", time.Time{}, false
	}
	rest := base[idx+1:]
	if len(rest) < len(TimestampLayout) {
		return "", time.Time{}, false
	}
	stamp, seq := rest[:len(TimestampLayout)], rest[len(TimestampLayout):]
	if seq != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(seq, "-"))
		if !strings.HasPrefix(seq, "-") || err != nil || n < 2 {
			return "", time.Time{}, false
		}
	}
	ts, err := time.Parse(TimestampLayout, stamp)
	if err != nil {
		return "", time.Time{}, false
	}
	return base[:idx], ts.UTC(), true
}

// Remove deletes an artifact inside the backup root.
func (m *Manager) Remove(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove path outside backup root")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
