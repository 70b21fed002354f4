package migration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/tenantops/internal/app/migrate"
	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/internal/service/tenant"
)

type fakeMigrator struct {
	mu       sync.Mutex
	latest   int64
	versions map[string]int64
	fail     map[string]error
	faked    map[string]bool
	calls    []string
}

func newFakeMigrator(latest int64) *fakeMigrator {
	return &fakeMigrator{latest: latest, versions: map[string]int64{}, fail: map[string]error{}, faked: map[string]bool{}}
}

func (f *fakeMigrator) up(dsn string, fake bool) (migrate.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dsn)
	from := f.versions[dsn]
	out := migrate.Outcome{FromVersion: from, ToVersion: from}
	if err := f.fail[dsn]; err != nil {
		return out, err
	}
	if fake {
		f.faked[dsn] = true
	}
	f.versions[dsn] = f.latest
	out.ToVersion = f.latest
	return out, nil
}

func (f *fakeMigrator) Up(_ context.Context, dsn string) (migrate.Outcome, error) {
	return f.up(dsn, false)
}

func (f *fakeMigrator) UpFakeInitial(_ context.Context, dsn string) (migrate.Outcome, error) {
	return f.up(dsn, true)
}

func (f *fakeMigrator) Status(_ context.Context, dsn string) (migrate.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return migrate.Status{Current: f.versions[dsn], Latest: f.latest}, nil
}

type countingRecorder struct {
	mu    sync.Mutex
	count int
}

func (c *countingRecorder) ObserveMigration(domain.MigrationResult, time.Duration) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func newOrchestrator(t *testing.T, m Migrator) *Orchestrator {
	t.Helper()
	reg := tenant.NewRegistry()
	for _, slug := range []string{"helmex", "acme", "zeta"} {
		if _, err := reg.Register(slug, "postgres://db/epica_"+slug, "", ""); err != nil {
			t.Fatalf("register %s: %v", slug, err)
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(reg, "postgres://db/epica", m, logger)
}

func TestRunContinuesPastFailures(t *testing.T) {
	m := newFakeMigrator(3)
	m.fail["postgres://db/epica_acme"] = errors.New("relation already exists")
	o := newOrchestrator(t, m)

	results, err := o.Run(context.Background(), AllTenantsTarget(), Options{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	failed := Failed(results)
	if len(failed) != 1 || failed[0].TenantSlug != "acme" {
		t.Fatalf("unexpected failures %+v", failed)
	}
	for _, r := range results {
		if r.TenantSlug != "acme" && !r.Applied {
			t.Fatalf("%s should have applied migrations", r.TenantSlug)
		}
	}
	if Err(results) == nil {
		t.Fatalf("Err should report the failed tenant")
	}
}

func TestRunIsNoOpWhenUpToDate(t *testing.T) {
	m := newFakeMigrator(5)
	o := newOrchestrator(t, m)
	ctx := context.Background()

	if _, err := o.Run(ctx, AllTenantsTarget(), Options{}); err != nil {
		t.Fatalf("first Run returned error: %v", err)
	}
	results, err := o.Run(ctx, AllTenantsTarget(), Options{})
	if err != nil {
		t.Fatalf("second Run returned error: %v", err)
	}
	for _, r := range results {
		if r.Applied || r.Failed() {
			t.Fatalf("second pass should be a no-op, got %+v", r)
		}
		if r.FromVersion != 5 || r.ToVersion != 5 {
			t.Fatalf("unexpected versions %+v", r)
		}
	}
}

func TestRunParallelKeepsOrder(t *testing.T) {
	m := newFakeMigrator(2)
	o := newOrchestrator(t, m)
	rec := &countingRecorder{}
	o.WithRecorder(rec)

	results, err := o.Run(context.Background(), Target{Shared: true, All: true}, Options{Concurrency: 4})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	want := []string{domain.SharedSlug, "acme", "helmex", "zeta"}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(results))
	}
	for i, slug := range want {
		if results[i].TenantSlug != slug {
			t.Fatalf("result %d is %s, want %s", i, results[i].TenantSlug, slug)
		}
	}
	if rec.count != len(want) {
		t.Fatalf("recorder saw %d results", rec.count)
	}
}

func TestRunSingleTenantAndFakeInitial(t *testing.T) {
	m := newFakeMigrator(1)
	o := newOrchestrator(t, m)

	results, err := o.Run(context.Background(), TenantTarget("HELMEX"), Options{FakeInitial: true})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(results) != 1 || results[0].TenantSlug != "helmex" {
		t.Fatalf("unexpected results %+v", results)
	}
	if !m.faked["postgres://db/epica_helmex"] {
		t.Fatalf("fake-initial was not forwarded")
	}
	if len(m.calls) != 1 {
		t.Fatalf("other tenants were migrated: %v", m.calls)
	}
}

func TestRunUnknownTenantIsConfigError(t *testing.T) {
	o := newOrchestrator(t, newFakeMigrator(1))
	if _, err := o.Run(context.Background(), TenantTarget("ghost"), Options{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunCancelledContextRecordsErrors(t *testing.T) {
	m := newFakeMigrator(1)
	o := newOrchestrator(t, m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := o.Run(ctx, AllTenantsTarget(), Options{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(Failed(results)) != len(results) {
		t.Fatalf("cancelled pass should fail every database")
	}
	if len(m.calls) != 0 {
		t.Fatalf("no migration should run after cancellation")
	}
}

func TestStatusReportsVersions(t *testing.T) {
	m := newFakeMigrator(4)
	m.versions["postgres://db/epica_acme"] = 4
	o := newOrchestrator(t, m)

	statuses, err := o.Status(context.Background(), AllTenantsTarget())
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	for _, st := range statuses {
		switch st.Slug {
		case "acme":
			if st.Status.Current != 4 {
				t.Fatalf("acme current = %d", st.Status.Current)
			}
		default:
			if st.Status.Current != 0 || st.Status.Latest != 4 {
				t.Fatalf("unexpected status %+v", st)
			}
		}
	}
}
