package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/internal/fleet"
	"github.com/splax/tenantops/internal/lock"
	"github.com/splax/tenantops/internal/remote"
	"github.com/splax/tenantops/internal/service/migration"
	"github.com/splax/tenantops/internal/service/tenant"
)

const (
	revOld = "1111111111111111111111111111111111111111"
	revNew = "2222222222222222222222222222222222222222"
)

type hostState struct {
	head    string
	target  string
	failOn  string
	history []string
}

type fakeExecutor struct {
	mu    sync.Mutex
	hosts map[string]*hostState
}

func newFakeExecutor(names ...string) *fakeExecutor {
	f := &fakeExecutor{hosts: map[string]*hostState{}}
	for _, n := range names {
		f.hosts[n] = &hostState{head: revOld, target: revNew}
	}
	return f
}

func (f *fakeExecutor) Run(_ context.Context, server domain.ServerRecord, command string, _ time.Duration) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hosts[server.Name]
	h.history = append(h.history, command)
	res := remote.Result{Command: command}
	if h.failOn != "" && strings.Contains(command, h.failOn) {
		res.ExitCode = 1
		return res, fmt.Errorf("%s: %w", command, domain.ErrRemoteCommandFailed)
	}
	switch {
	case strings.Contains(command, "rev-parse HEAD"):
		res.Output = h.head + "\n"
	case strings.Contains(command, "rev-parse --verify"):
		res.Output = h.target + "\n"
	case strings.Contains(command, "git checkout"):
		fields := strings.Fields(command)
		h.head = strings.Trim(fields[len(fields)-1], "'")
	}
	return res, nil
}

func (f *fakeExecutor) ran(server, fragment string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.hosts[server].history {
		if strings.Contains(c, fragment) {
			return true
		}
	}
	return false
}

func (f *fakeExecutor) commands(server string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hosts[server].history)
}

// fakeHealth answers from a per-server queue of results; an empty queue passes.
type fakeHealth struct {
	mu      sync.Mutex
	results map[string][]error
	always  map[string]error
}

func (h *fakeHealth) Check(_ context.Context, server domain.ServerRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.always[server.Name]; err != nil {
		return err
	}
	queue := h.results[server.Name]
	if len(queue) == 0 {
		return nil
	}
	h.results[server.Name] = queue[1:]
	return queue[0]
}

func (h *fakeHealth) URL(server domain.ServerRecord) string {
	return "http://" + server.Address + "/health/"
}

type fakeMigrator struct {
	mu      sync.Mutex
	targets []migration.Target
	fail    bool
	hang    bool
}

func (m *fakeMigrator) Run(ctx context.Context, target migration.Target, _ migration.Options) ([]domain.MigrationResult, error) {
	if m.hang {
		<-ctx.Done()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, target)
	var out []domain.MigrationResult
	for _, slug := range target.Tenants {
		r := domain.MigrationResult{TenantSlug: slug}
		switch {
		case ctx.Err() != nil:
			r.Error = ctx.Err().Error()
		case m.fail:
			r.Error = "migration exploded"
		}
		out = append(out, r)
	}
	return out, nil
}

type memoryRunLog struct {
	mu        sync.Mutex
	servers   []domain.ServerStatus
	summaries int
}

func (l *memoryRunLog) AppendServer(_ context.Context, _ *domain.DeploymentRun, status domain.ServerStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.servers = append(l.servers, status)
	return nil
}

func (l *memoryRunLog) AppendSummary(context.Context, *domain.DeploymentRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summaries++
	return nil
}

type testEnv struct {
	svc      *Service
	exec     *fakeExecutor
	health   *fakeHealth
	migrator *fakeMigrator
	runs     *memoryRunLog
}

func newTestEnv(t *testing.T, opts ...func(*Service)) *testEnv {
	t.Helper()
	fl, err := fleet.Parse(strings.NewReader("shared,app-1,10.0.0.5,deploy_key\ndedicated,bigcorp,10.0.0.9,bigcorp_key\n"))
	if err != nil {
		t.Fatalf("parse fleet: %v", err)
	}
	reg := tenant.NewRegistry()
	if _, err := reg.Register("helmex", "postgres://db/epica_helmex", "", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Register("bigcorp", "postgres://db9/epica_bigcorp", "", "bigcorp"); err != nil {
		t.Fatalf("register: %v", err)
	}
	env := &testEnv{
		exec:     newFakeExecutor("app-1", "bigcorp"),
		health:   &fakeHealth{results: map[string][]error{}, always: map[string]error{}},
		migrator: &fakeMigrator{},
		runs:     &memoryRunLog{},
	}
	cfg := Config{
		AppDir:         "/opt/epica",
		DepsCommand:    "pip install -r requirements.txt",
		RestartCommand: "systemctl restart epica",
		FetchTimeout:   time.Second,
		DepsTimeout:    time.Second,
		MigrateTimeout: time.Second,
		RestartTimeout: time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.svc = New(cfg, fl, reg, env.exec, env.health, env.migrator, env.runs, logger)
	for _, opt := range opts {
		opt(env.svc)
	}
	return env
}

func stateOf(t *testing.T, run *domain.DeploymentRun, server string) domain.ServerStatus {
	t.Helper()
	for _, st := range run.Servers {
		if st.Server == server {
			return st
		}
	}
	t.Fatalf("server %s missing from run", server)
	return domain.ServerStatus{}
}

func TestRunDeploysEveryServer(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	for _, name := range []string{"app-1", "bigcorp"} {
		st := stateOf(t, run, name)
		if st.State != domain.StateSucceeded {
			t.Fatalf("%s ended in %s (%s)", name, st.State, st.Error)
		}
		if st.PreviousRevision != revOld || st.Revision != revNew {
			t.Fatalf("%s revisions %s -> %s", name, st.PreviousRevision, st.Revision)
		}
		if !env.exec.ran(name, "pip install") || !env.exec.ran(name, "systemctl restart") {
			t.Fatalf("%s did not install and restart", name)
		}
	}
	if len(env.migrator.targets) != 2 {
		t.Fatalf("expected 2 migration passes, got %d", len(env.migrator.targets))
	}
	shared := env.migrator.targets[0]
	if !shared.Shared || len(shared.Tenants) != 1 || shared.Tenants[0] != "helmex" {
		t.Fatalf("unexpected shared server target %+v", shared)
	}
	dedicated := env.migrator.targets[1]
	if dedicated.Shared || len(dedicated.Tenants) != 1 || dedicated.Tenants[0] != "bigcorp" {
		t.Fatalf("unexpected dedicated server target %+v", dedicated)
	}
	if len(env.runs.servers) != 2 || env.runs.summaries != 1 {
		t.Fatalf("run log got %d servers, %d summaries", len(env.runs.servers), env.runs.summaries)
	}
	if code := ExitCode(run.Summary()); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRunNoOpWhenAlreadyAtRevision(t *testing.T) {
	env := newTestEnv(t)
	for _, h := range env.exec.hosts {
		h.target = revOld
	}
	run, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	for _, name := range []string{"app-1", "bigcorp"} {
		if st := stateOf(t, run, name); st.State != domain.StateSucceeded {
			t.Fatalf("%s ended in %s", name, st.State)
		}
		if env.exec.ran(name, "pip install") || env.exec.ran(name, "systemctl restart") || env.exec.ran(name, "checkout") {
			t.Fatalf("%s ran update commands on a no-op pass", name)
		}
	}
	if len(env.migrator.targets) != 0 {
		t.Fatalf("no-op pass must not migrate")
	}
}

func TestRunRollbackRestoresPreviousRevision(t *testing.T) {
	env := newTestEnv(t)
	env.health.results["app-1"] = []error{fmt.Errorf("status 502: %w", domain.ErrHealthCheckFailed)}

	run, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main", Rollback: true, AbortOnError: true})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	st := stateOf(t, run, "app-1")
	if st.State != domain.StateRolledBack {
		t.Fatalf("app-1 ended in %s (%s)", st.State, st.Error)
	}
	if st.FailedPhase != domain.StateHealthChecking {
		t.Fatalf("failed phase = %s", st.FailedPhase)
	}
	if env.exec.hosts["app-1"].head != revOld || st.Revision != revOld {
		t.Fatalf("previous revision not restored: head=%s revision=%s", env.exec.hosts["app-1"].head, st.Revision)
	}
	if got := stateOf(t, run, "bigcorp").State; got != domain.StateCancelled {
		t.Fatalf("bigcorp should be cancelled after abort, got %s", got)
	}
	if env.exec.commands("bigcorp") != 0 {
		t.Fatalf("cancelled server must not be touched")
	}
	if code := ExitCode(run.Summary()); code != 1 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRunRollbackFailedEscalates(t *testing.T) {
	env := newTestEnv(t)
	env.health.always["bigcorp"] = domain.ErrHealthCheckFailed

	run, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main", Rollback: true})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	st := stateOf(t, run, "bigcorp")
	if st.State != domain.StateRollbackFailed {
		t.Fatalf("bigcorp ended in %s", st.State)
	}
	if !strings.Contains(st.Error, domain.ErrRollbackFailed.Error()) {
		t.Fatalf("error should mention rollback failure: %s", st.Error)
	}
	if got := stateOf(t, run, "app-1").State; got != domain.StateSucceeded {
		t.Fatalf("app-1 ended in %s", got)
	}
	if code := ExitCode(run.Summary()); code != 2 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRunContinuesWithoutAbort(t *testing.T) {
	env := newTestEnv(t)
	env.exec.hosts["app-1"].failOn = "pip install"

	run, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	st := stateOf(t, run, "app-1")
	if st.State != domain.StateFailed || st.FailedPhase != domain.StateUpdating {
		t.Fatalf("app-1 ended in %s/%s", st.State, st.FailedPhase)
	}
	if env.exec.ran("app-1", "systemctl restart") {
		t.Fatalf("restart must not run after a failed update")
	}
	if got := stateOf(t, run, "bigcorp").State; got != domain.StateSucceeded {
		t.Fatalf("bigcorp ended in %s", got)
	}
	if run.Summary().Failures() != 1 {
		t.Fatalf("failures = %d", run.Summary().Failures())
	}
}

func TestRunMigrationFailureFailsServer(t *testing.T) {
	env := newTestEnv(t)
	env.migrator.fail = true
	run, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main", TenantFilter: "bigcorp"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	st := stateOf(t, run, "bigcorp")
	if st.State != domain.StateFailed || st.FailedPhase != domain.StateMigrating {
		t.Fatalf("bigcorp ended in %s/%s", st.State, st.FailedPhase)
	}
	if env.exec.ran("bigcorp", "systemctl restart") {
		t.Fatalf("restart must not run after failed migrations")
	}
}

func TestRunTenantFilterSkipsOthers(t *testing.T) {
	env := newTestEnv(t)
	env.exec.hosts["app-1"].failOn = "rev-parse"

	run, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main", TenantFilter: "bigcorp"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := stateOf(t, run, "app-1").State; got != domain.StateSkipped {
		t.Fatalf("app-1 should be skipped, got %s", got)
	}
	if env.exec.commands("app-1") != 0 {
		t.Fatalf("skipped server must not be touched")
	}
	if got := stateOf(t, run, "bigcorp").State; got != domain.StateSucceeded {
		t.Fatalf("bigcorp ended in %s", got)
	}
	summary := run.Summary()
	if summary.Failures() != 0 || summary.Skipped != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestRunTenantFilterByTenantSlug(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main", TenantFilter: "helmex"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := stateOf(t, run, "bigcorp").State; got != domain.StateSkipped {
		t.Fatalf("bigcorp should be skipped, got %s", got)
	}
	if got := stateOf(t, run, "app-1").State; got != domain.StateSucceeded {
		t.Fatalf("app-1 ended in %s", got)
	}
	if _, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main", TenantFilter: "ghost"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown filter, got %v", err)
	}
}

func TestRunDryRunHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main", DryRun: true, Rollback: true})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	for _, name := range []string{"app-1", "bigcorp"} {
		st := stateOf(t, run, name)
		if st.State != domain.StatePlanned {
			t.Fatalf("%s ended in %s", name, st.State)
		}
		if len(st.Actions) == 0 {
			t.Fatalf("%s has no planned actions", name)
		}
		if env.exec.commands(name) != 0 {
			t.Fatalf("dry run executed commands on %s", name)
		}
	}
	if len(env.migrator.targets) != 0 {
		t.Fatalf("dry run must not migrate")
	}
	if !run.DryRun || ExitCode(run.Summary()) != 0 {
		t.Fatalf("unexpected dry run result %+v", run.Summary())
	}
}

func TestRunCancelledBetweenServers(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	env.health.results["app-1"] = []error{nil}
	env.svc.WithRecorder(recorderFunc(func(st domain.ServerStatus) {
		if st.Server == "app-1" {
			cancel()
		}
	}))

	run, err := env.svc.Run(ctx, Options{GitRef: "origin/main"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := stateOf(t, run, "app-1").State; got != domain.StateSucceeded {
		t.Fatalf("app-1 ended in %s", got)
	}
	if got := stateOf(t, run, "bigcorp").State; got != domain.StateCancelled {
		t.Fatalf("bigcorp should be cancelled, got %s", got)
	}
	if ExitCode(run.Summary()) != 1 {
		t.Fatalf("cancelled pass should exit non-zero")
	}
}

func TestRunHoldsFleetLock(t *testing.T) {
	locker := lock.NewMemory()
	env := newTestEnv(t, func(s *Service) { s.WithLocker(locker) })
	lease, err := locker.Acquire(context.Background(), LockName, time.Minute)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if _, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main"}); !errors.Is(err, lock.ErrHeld) {
		t.Fatalf("expected lock contention, got %v", err)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if _, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main"}); err != nil {
		t.Fatalf("Run after release returned error: %v", err)
	}
}

func TestRunValidatesOptions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.Run(context.Background(), Options{}); err == nil {
		t.Fatalf("expected error without git ref")
	}
}

type recorderFunc func(domain.ServerStatus)

func (f recorderFunc) ObserveServer(st domain.ServerStatus) { f(st) }

func (f recorderFunc) ObserveRun(domain.RunSummary) {}

func TestRunMigrationTimeoutReportsRemoteTimeout(t *testing.T) {
	env := newTestEnv(t, func(s *Service) { s.cfg.MigrateTimeout = 20 * time.Millisecond })
	env.migrator.hang = true

	run, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main", TenantFilter: "helmex"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	st := stateOf(t, run, "app-1")
	if st.State != domain.StateFailed || st.FailedPhase != domain.StateMigrating {
		t.Fatalf("app-1 ended in %s at %s (%s)", st.State, st.FailedPhase, st.Error)
	}
	if !strings.Contains(st.Error, domain.ErrRemoteTimeout.Error()) {
		t.Fatalf("error %q does not report a remote timeout", st.Error)
	}
}

// expiringLocker hands out leases that are lost after a fixed number of renewals.
type expiringLocker struct {
	refreshes int
}

func (l *expiringLocker) Acquire(context.Context, string, time.Duration) (lock.Lease, error) {
	return &expiringLease{left: l.refreshes}, nil
}

type expiringLease struct {
	mu   sync.Mutex
	left int
}

func (l *expiringLease) Refresh(context.Context, time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.left == 0 {
		return fmt.Errorf("fleet-deploy: %w", lock.ErrLost)
	}
	l.left--
	return nil
}

func (l *expiringLease) Release(context.Context) error { return nil }

func TestRunStopsWhenFleetLockIsLost(t *testing.T) {
	env := newTestEnv(t, func(s *Service) {
		s.cfg.LockTTL = time.Hour
		s.WithLocker(&expiringLocker{refreshes: 1})
	})
	run, err := env.svc.Run(context.Background(), Options{GitRef: "origin/main"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := stateOf(t, run, "app-1").State; got != domain.StateSucceeded {
		t.Fatalf("app-1 ended in %s", got)
	}
	bigcorp := stateOf(t, run, "bigcorp")
	if bigcorp.State != domain.StateCancelled || !strings.Contains(bigcorp.Error, "lock lost") {
		t.Fatalf("bigcorp should be cancelled after the lock was lost, got %s (%s)", bigcorp.State, bigcorp.Error)
	}
	if env.exec.commands("bigcorp") != 0 {
		t.Fatalf("server must not be touched without the fleet lock")
	}
}
