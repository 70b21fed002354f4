package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/internal/fleet"
	"github.com/splax/tenantops/internal/lock"
	"github.com/splax/tenantops/internal/remote"
	"github.com/splax/tenantops/internal/repository"
	"github.com/splax/tenantops/internal/service/migration"
	"github.com/splax/tenantops/internal/service/tenant"
)

// LockName is the fleet lock held for the duration of a pass.
const LockName = "fleet-deploy"

// Migrator runs the migration phase.
type Migrator interface {
	Run(ctx context.Context, target migration.Target, opts migration.Options) ([]domain.MigrationResult, error)
}

// HealthChecker verifies a server serves its liveness endpoint.
type HealthChecker interface {
	Check(ctx context.Context, server domain.ServerRecord) error
	URL(server domain.ServerRecord) string
}

// Recorder observes deployment outcomes.
type Recorder interface {
	ObserveServer(status domain.ServerStatus)
	ObserveRun(summary domain.RunSummary)
}

// Config holds the remote layout and per-phase timeouts.
type Config struct {
	AppDir         string
	DepsCommand    string
	RestartCommand string
	FetchTimeout   time.Duration
	DepsTimeout    time.Duration
	MigrateTimeout time.Duration
	RestartTimeout time.Duration
	LockTTL        time.Duration
}

// Options select the behavior of one pass.
type Options struct {
	GitRef       string
	Rollback     bool
	AbortOnError bool
	DryRun       bool
	// TenantFilter names a server, or a tenant whose hosting server is deployed.
	TenantFilter string
}

// Service drives fleet deployments.
type Service struct {
	cfg      Config
	fleet    fleet.Fleet
	tenants  tenant.Directory
	exec     remote.Executor
	health   HealthChecker
	migrator Migrator
	runs     repository.RunLog
	locker   lock.Locker
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New constructs a deployment service.
func New(cfg Config, fl fleet.Fleet, tenants tenant.Directory, exec remote.Executor, health HealthChecker, migrator Migrator, runs repository.RunLog, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		fleet:    fl,
		tenants:  tenants,
		exec:     exec,
		health:   health,
		migrator: migrator,
		runs:     runs,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// WithLocker serializes passes through l.
func (s *Service) WithLocker(l lock.Locker) *Service {
	s.locker = l
	return s
}

// WithRecorder attaches an outcome observer.
func (s *Service) WithRecorder(r Recorder) *Service {
	s.recorder = r
	return s
}

// Run performs one deployment pass over the fleet. Per-server failures are recorded in
// the returned run; the error covers configuration problems and lock contention.
func (s *Service) Run(ctx context.Context, opts Options) (*domain.DeploymentRun, error) {
	if strings.TrimSpace(opts.GitRef) == "" {
		return nil, errors.New("git ref is required")
	}
	if len(s.fleet.Servers) == 0 {
		return nil, errors.New("fleet is empty")
	}
	selected, err := s.selectServer(opts.TenantFilter)
	if err != nil {
		return nil, err
	}

	var keeper *lock.Keeper
	if s.locker != nil && !opts.DryRun {
		lease, err := s.locker.Acquire(ctx, LockName, s.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire fleet lock: %w", err)
		}
		keeper = lock.Keep(ctx, lease, s.cfg.LockTTL, s.logger.With("lock", LockName))
		defer func() {
			keeper.Stop()
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release fleet lock failed", "error", err)
			}
		}()
	}

	run := &domain.DeploymentRun{
		RunID:     s.newID(),
		GitRef:    opts.GitRef,
		DryRun:    opts.DryRun,
		StartedAt: s.now(),
	}
	log := s.logger.With("run_id", run.RunID)
	log.Info("deployment started", "ref", opts.GitRef, "servers", len(s.fleet.Servers), "dry_run", opts.DryRun, "rollback", opts.Rollback, "filter", opts.TenantFilter)

	halted := ""
	for _, server := range s.fleet.Servers {
		if keeper != nil && halted == "" && (selected == "" || server.Name == selected) {
			if err := keeper.Check(ctx); errors.Is(err, lock.ErrLost) {
				halted = "fleet lock lost"
				log.Error("fleet lock lost, cancelling remaining servers", "server", server.Name)
			}
		}
		var status domain.ServerStatus
		switch {
		case selected != "" && server.Name != selected:
			status = s.closed(server, domain.StateSkipped, "")
		case halted != "":
			status = s.closed(server, domain.StateCancelled, halted)
		case ctx.Err() != nil:
			status = s.closed(server, domain.StateCancelled, ctx.Err().Error())
		case opts.DryRun:
			status = s.plan(server, opts)
		default:
			status = s.deployServer(ctx, server, opts, log)
		}

		run.Servers = append(run.Servers, status)
		if s.runs != nil {
			if err := s.runs.AppendServer(ctx, run, status); err != nil {
				log.Warn("append run log failed", "server", server.Name, "error", err)
			}
		}
		if s.recorder != nil {
			s.recorder.ObserveServer(status)
		}
		if status.State.Failure() && opts.AbortOnError && halted == "" {
			halted = "aborted after failure on " + server.Name
			log.Warn("aborting remaining servers", "failed_server", server.Name)
		}
	}

	run.FinishedAt = s.now()
	summary := run.Summary()
	if s.runs != nil {
		if err := s.runs.AppendSummary(ctx, run); err != nil {
			log.Warn("append run summary failed", "error", err)
		}
	}
	if s.recorder != nil {
		s.recorder.ObserveRun(summary)
	}

	attrs := []any{
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"rolled_back", summary.RolledBack,
		"rollback_failed", summary.RollbackFailed,
		"skipped", summary.Skipped,
		"cancelled", summary.Cancelled,
		"planned", summary.Planned,
	}
	switch {
	case summary.RollbackFailed > 0:
		for _, st := range run.Servers {
			if st.State == domain.StateRollbackFailed {
				log.Error("rollback failed, server state is ambiguous", "server", st.Server, "previous_revision", st.PreviousRevision, "error", st.Error)
			}
		}
		log.Error("deployment finished with failed rollbacks", attrs...)
	case summary.Failures() > 0:
		log.Warn("deployment finished with failures", attrs...)
	default:
		log.Info("deployment finished", attrs...)
	}
	return run, nil
}

// selectServer resolves the filter to a server name.
func (s *Service) selectServer(filter string) (string, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return "", nil
	}
	if srv, err := s.fleet.Lookup(filter); err == nil {
		return srv.Name, nil
	}
	if s.tenants != nil {
		if rec, err := s.tenants.Resolve(filter); err == nil {
			if srv, ok := s.fleet.HostOf(rec); ok {
				return srv.Name, nil
			}
			return "", fmt.Errorf("tenant %q has no server in the fleet: %w", filter, domain.ErrNotFound)
		}
	}
	return "", fmt.Errorf("no server or tenant named %q: %w", filter, domain.ErrNotFound)
}

func (s *Service) closed(server domain.ServerRecord, state domain.ServerState, reason string) domain.ServerStatus {
	now := s.now()
	return domain.ServerStatus{Server: server.Name, State: state, Error: reason, StartedAt: now, FinishedAt: now}
}

// ExitCode maps a summary to the CLI exit status: 2 when any rollback failed, 1 on any
// other failure or cancellation.
func ExitCode(summary domain.RunSummary) int {
	switch {
	case summary.RollbackFailed > 0:
		return 2
	case summary.Failures() > 0, summary.Cancelled > 0:
		return 1
	}
	return 0
}
