package migrate

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewValidatesDirectory(t *testing.T) {
	if _, err := New("", time.Second, nil); err == nil {
		t.Fatalf("expected error for empty directory")
	}
	if _, err := New(filepath.Join(t.TempDir(), "missing"), time.Second, nil); err == nil {
		t.Fatalf("expected error for missing directory")
	}

	file := filepath.Join(t.TempDir(), "00001_init.sql")
	if err := os.WriteFile(file, []byte("-- +goose Up\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := New(file, time.Second, nil); err == nil {
		t.Fatalf("expected error when path is a file")
	}
}

func TestNewDefaultsTimeout(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, 0, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if r.timeout != time.Minute {
		t.Fatalf("expected default timeout, got %s", r.timeout)
	}
	if r.Dir() != dir {
		t.Fatalf("Dir() = %q", r.Dir())
	}
}

func TestUpRejectsEmptyDSN(t *testing.T) {
	r, err := New(t.TempDir(), time.Second, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := r.Up(t.Context(), ""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
