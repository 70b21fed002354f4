package domain

import (
	"fmt"
	"strings"
	"time"
)

// BackupKind selects schedule semantics and retention.
type BackupKind string

const (
	BackupDaily   BackupKind = "daily"
	BackupWeekly  BackupKind = "weekly"
	BackupMonthly BackupKind = "monthly"
	BackupManual  BackupKind = "manual"
)

// MediaTarget is the BackupRecord target used for media archives.
const MediaTarget = "media"

// ParseBackupKind validates a backup kind string.
func ParseBackupKind(raw string) (BackupKind, error) {
	switch k := BackupKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case BackupDaily, BackupWeekly, BackupMonthly, BackupManual:
		return k, nil
	}
	return "", fmt.Errorf("unknown backup kind %q", raw)
}

// Retention returns how long backups of this kind are kept.
func (k BackupKind) Retention() time.Duration {
	day := 24 * time.Hour
	switch k {
	case BackupDaily:
		return 7 * day
	case BackupWeekly:
		return 28 * day
	case BackupMonthly:
		return 365 * day
	case BackupManual:
		return 30 * day
	}
	return 0
}

// IncludesMedia reports whether media storage is archived for this kind.
func (k BackupKind) IncludesMedia() bool {
	return k != BackupDaily
}

// BackupRecord describes one written backup artifact.
type BackupRecord struct {
	Target    string
	Kind      BackupKind
	Path      string
	Size      int64
	CreatedAt time.Time
}
