package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/splax/tenantops/internal/domain"
)

func TestObserveMigration(t *testing.T) {
	c := New(false)
	c.ObserveMigration(domain.MigrationResult{TenantSlug: "helmex", Applied: true}, time.Second)
	c.ObserveMigration(domain.MigrationResult{TenantSlug: "acme"}, time.Second)
	c.ObserveMigration(domain.MigrationResult{TenantSlug: "zeta", Error: "boom"}, time.Second)

	for outcome, want := range map[string]float64{"applied": 1, "noop": 1, "failed": 1} {
		if got := testutil.ToFloat64(c.migrationResults.WithLabelValues(outcome)); got != want {
			t.Fatalf("%s = %v, want %v", outcome, got, want)
		}
	}
}

func TestObserveRun(t *testing.T) {
	c := New(false)
	c.ObserveRun(domain.RunSummary{Succeeded: 2, Skipped: 1})
	c.ObserveRun(domain.RunSummary{Failed: 1})
	c.ObserveRun(domain.RunSummary{RolledBack: 1, RollbackFailed: 1})

	for result, want := range map[string]float64{"success": 1, "failure": 1, "rollback_failed": 1} {
		if got := testutil.ToFloat64(c.deployRuns.WithLabelValues(result)); got != want {
			t.Fatalf("%s = %v, want %v", result, got, want)
		}
	}
}

func TestRegisterReturnsExisting(t *testing.T) {
	c := New(false)
	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "extra_total", Help: "extra"})
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "extra_total", Help: "extra"})
	if got := c.Register(first); got != first {
		t.Fatalf("first registration should return the collector")
	}
	if got := c.Register(second); got != first {
		t.Fatalf("duplicate registration should return the existing collector")
	}
}

func TestWriteTextfile(t *testing.T) {
	c := New(false)
	c.ObserveBackup(domain.BackupRecord{Kind: domain.BackupDaily, Size: 1024}, time.Second)
	c.SetServerHealth("app-1", true)
	path := filepath.Join(t.TempDir(), "tenantops.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	for _, want := range []string{`tenantops_backup_bytes_total{kind="daily"} 1024`, `tenantops_monitor_server_up{server="app-1"} 1`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("textfile missing %q:\n%s", want, data)
		}
	}
	if err := c.WriteTextfile(""); err != nil {
		t.Fatalf("empty path should be a no-op, got %v", err)
	}
}
