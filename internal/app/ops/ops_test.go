package ops

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/internal/lock"
	"github.com/splax/tenantops/pkg/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestOps(t *testing.T, mutate func(*config.OpsConfig)) *Ops {
	t.Helper()
	dir := t.TempDir()
	migrations := filepath.Join(dir, "migrations")
	if err := os.Mkdir(migrations, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg := config.OpsConfig{
		DatabaseURL:       "postgres://epica@localhost/epica",
		MigrationsDir:     migrations,
		TenantEnvFile:     filepath.Join(dir, "tenants.env"),
		FleetFile:         filepath.Join(dir, "servers.conf"),
		RunLogPath:        filepath.Join(dir, "logs", "deploy_runs.log"),
		BackupRoot:        filepath.Join(dir, "backups"),
		BackupHistoryPath: filepath.Join(dir, "backups", "backup_history.log"),
		SSHUser:           "deploy",
	}
	writeFile(t, cfg.TenantEnvFile, "TENANT_DB_HELMEX=postgres://h/epica_helmex\n")
	writeFile(t, cfg.FleetFile, "shared,shared-01,local\n")
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), false)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func TestEnvFileOverlaysEnvironment(t *testing.T) {
	t.Setenv("TENANT_DB_ACME", "postgres://a/epica_acme")
	o := newTestOps(t, nil)

	for _, slug := range []string{"acme", "helmex"} {
		if _, err := o.Registry().Resolve(slug); err != nil {
			t.Fatalf("tenant %s not loaded: %v", slug, err)
		}
	}
}

func TestReloadTenants(t *testing.T) {
	o := newTestOps(t, nil)
	writeFile(t, o.Config.TenantEnvFile, "TENANT_DB_BIGCORP=postgres://b/epica_bigcorp\nTENANT_SERVER_BIGCORP=bigcorp\n")
	if err := o.ReloadTenants(); err != nil {
		t.Fatalf("ReloadTenants returned error: %v", err)
	}
	if _, err := o.Tenants.Resolve("helmex"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("removed tenant should be gone, got %v", err)
	}
	rec, err := o.Tenants.Resolve("bigcorp")
	if err != nil || rec.Tier != domain.TierDedicated || rec.ServerRef != "bigcorp" {
		t.Fatalf("unexpected bigcorp record %+v (%v)", rec, err)
	}
}

func TestBrokenEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenants.env")
	writeFile(t, path, "this is not an assignment\n")
	if _, err := Environ(path); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Environ(filepath.Join(dir, "missing.env")); err == nil {
		t.Fatalf("expected open error")
	}
}

func TestLockerDefaultsToMemory(t *testing.T) {
	o := newTestOps(t, nil)
	l, err := o.Locker()
	if err != nil {
		t.Fatalf("Locker returned error: %v", err)
	}
	if _, ok := l.(*lock.Memory); !ok {
		t.Fatalf("expected in-process lock, got %T", l)
	}
}

func TestServicesWire(t *testing.T) {
	o := newTestOps(t, nil)
	if _, err := o.Deployer(); err != nil {
		t.Fatalf("Deployer returned error: %v", err)
	}
	if _, err := o.Backups(); err != nil {
		t.Fatalf("Backups returned error: %v", err)
	}
	if o.Router() != o.Router() {
		t.Fatalf("router should be built once")
	}
	fl, err := o.Fleet()
	if err != nil || len(fl.Servers) != 1 {
		t.Fatalf("unexpected fleet %+v (%v)", fl, err)
	}
}

func TestMissingMigrationsDir(t *testing.T) {
	o := newTestOps(t, func(c *config.OpsConfig) { c.MigrationsDir = filepath.Join(c.MigrationsDir, "nope") })
	if _, err := o.Migrations(); err == nil {
		t.Fatalf("expected error for missing migrations dir")
	}
}
