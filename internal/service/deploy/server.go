package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/internal/fleet"
	"github.com/splax/tenantops/internal/git"
	"github.com/splax/tenantops/internal/service/migration"
)

// serverRun tracks one server through the state machine.
type serverRun struct {
	s      *Service
	server domain.ServerRecord
	status domain.ServerStatus
	log    *slog.Logger
}

func (r *serverRun) transition(state domain.ServerState) {
	from := r.status.State
	r.status.State = state
	r.log.Info("server state changed", "from", from, "to", state)
}

func (r *serverRun) exec(ctx context.Context, command string, timeout time.Duration) (string, error) {
	r.status.Actions = append(r.status.Actions, command)
	res, err := r.s.exec.Run(ctx, r.server, command, timeout)
	if err != nil {
		r.log.Warn("remote command failed", "command", command, "exit_code", res.ExitCode, "duration", res.Duration, "error", err)
		return res.Output, err
	}
	r.log.Debug("remote command finished", "command", command, "duration", res.Duration)
	return res.Output, nil
}

func (r *serverRun) revision(ctx context.Context, command string) (string, error) {
	out, err := r.exec(ctx, command, r.s.cfg.FetchTimeout)
	if err != nil {
		return "", err
	}
	return git.ParseRevision(out)
}

func (r *serverRun) fail(phase domain.ServerState, err error) {
	r.status.FailedPhase = phase
	r.status.Error = err.Error()
	r.log.Error("server phase failed", "phase", phase, "error", err)
	r.transition(domain.StateFailed)
}

func (s *Service) deployServer(ctx context.Context, server domain.ServerRecord, opts Options, log *slog.Logger) domain.ServerStatus {
	r := &serverRun{
		s:      s,
		server: server,
		status: domain.ServerStatus{Server: server.Name, State: domain.StatePending, StartedAt: s.now()},
		log:    log.With("server", server.Name),
	}
	r.advance(ctx, opts)
	if r.status.State == domain.StateFailed && opts.Rollback && r.status.FailedPhase != domain.StateFetching {
		r.rollback(ctx)
	}
	r.status.FinishedAt = s.now()
	return r.status
}

// advance walks the forward path. The working tree is untouched until Updating, so a
// Fetching failure leaves nothing to roll back.
func (r *serverRun) advance(ctx context.Context, opts Options) {
	cfg := r.s.cfg

	r.transition(domain.StateFetching)
	prev, err := r.revision(ctx, git.Head(cfg.AppDir))
	if err != nil {
		r.fail(domain.StateFetching, fmt.Errorf("read current revision: %w", err))
		return
	}
	r.status.PreviousRevision = prev
	if _, err := r.exec(ctx, git.Fetch(cfg.AppDir), cfg.FetchTimeout); err != nil {
		r.fail(domain.StateFetching, fmt.Errorf("fetch: %w", err))
		return
	}
	target, err := r.revision(ctx, git.Resolve(cfg.AppDir, opts.GitRef))
	if err != nil {
		r.fail(domain.StateFetching, fmt.Errorf("resolve %s: %w", opts.GitRef, err))
		return
	}
	r.status.Revision = target
	if target == prev {
		r.log.Info("already at target revision", "revision", git.Short(target))
		r.transition(domain.StateSucceeded)
		return
	}

	r.transition(domain.StateUpdating)
	if _, err := r.exec(ctx, git.Checkout(cfg.AppDir, target), cfg.FetchTimeout); err != nil {
		r.fail(domain.StateUpdating, fmt.Errorf("checkout %s: %w", git.Short(target), err))
		return
	}
	if cfg.DepsCommand != "" {
		if _, err := r.exec(ctx, r.s.inAppDir(cfg.DepsCommand), cfg.DepsTimeout); err != nil {
			r.fail(domain.StateUpdating, fmt.Errorf("install dependencies: %w", err))
			return
		}
	}

	r.transition(domain.StateMigrating)
	if err := r.migrate(ctx); err != nil {
		r.fail(domain.StateMigrating, err)
		return
	}

	r.transition(domain.StateRestarting)
	if err := r.restart(ctx); err != nil {
		r.fail(domain.StateRestarting, err)
		return
	}

	r.transition(domain.StateHealthChecking)
	r.status.Actions = append(r.status.Actions, "GET "+r.s.health.URL(r.server))
	if err := r.s.health.Check(ctx, r.server); err != nil {
		r.fail(domain.StateHealthChecking, err)
		return
	}
	r.transition(domain.StateSucceeded)
}

func (r *serverRun) restart(ctx context.Context) error {
	if r.s.cfg.RestartCommand == "" {
		r.log.Warn("no restart command configured")
		return nil
	}
	if _, err := r.exec(ctx, r.s.inAppDir(r.s.cfg.RestartCommand), r.s.cfg.RestartTimeout); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}

// migrate runs pending migrations for the databases served by this server.
func (r *serverRun) migrate(ctx context.Context) error {
	target, names := r.s.migrationTarget(r.server)
	if !target.Shared && len(target.Tenants) == 0 {
		r.log.Info("no databases hosted on server, skipping migrations")
		return nil
	}
	if r.s.migrator == nil {
		return errors.New("migration orchestrator is not configured")
	}
	r.status.Actions = append(r.status.Actions, "migrate "+strings.Join(names, ","))

	migrateCtx := ctx
	if r.s.cfg.MigrateTimeout > 0 {
		var cancel context.CancelFunc
		migrateCtx, cancel = context.WithTimeout(ctx, r.s.cfg.MigrateTimeout)
		defer cancel()
	}
	results, err := r.s.migrator.Run(migrateCtx, target, migration.Options{})
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := migration.Err(results); err != nil {
		if errors.Is(migrateCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("migrate: %w after %s: %w", domain.ErrRemoteTimeout, r.s.cfg.MigrateTimeout, err)
		}
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// rollback restores the previous revision and verifies it serves.
func (r *serverRun) rollback(ctx context.Context) {
	cfg := r.s.cfg
	r.transition(domain.StateRollingBack)
	if r.status.PreviousRevision == "" {
		r.rollbackFailed(errors.New("previous revision unknown"))
		return
	}
	// The pass may have been cancelled mid-server; restoring the previous revision must
	// still run to completion.
	ctx = context.WithoutCancel(ctx)

	if _, err := r.exec(ctx, git.Checkout(cfg.AppDir, r.status.PreviousRevision), cfg.FetchTimeout); err != nil {
		r.rollbackFailed(fmt.Errorf("checkout %s: %w", git.Short(r.status.PreviousRevision), err))
		return
	}
	if cfg.DepsCommand != "" {
		if _, err := r.exec(ctx, r.s.inAppDir(cfg.DepsCommand), cfg.DepsTimeout); err != nil {
			r.rollbackFailed(fmt.Errorf("install dependencies: %w", err))
			return
		}
	}
	if err := r.restart(ctx); err != nil {
		r.rollbackFailed(err)
		return
	}
	r.status.Actions = append(r.status.Actions, "GET "+r.s.health.URL(r.server))
	if err := r.s.health.Check(ctx, r.server); err != nil {
		r.rollbackFailed(err)
		return
	}
	r.status.Revision = r.status.PreviousRevision
	r.transition(domain.StateRolledBack)
}

func (r *serverRun) rollbackFailed(err error) {
	wrapped := fmt.Errorf("%w: %w", domain.ErrRollbackFailed, err)
	r.status.Error = r.status.Error + "; " + wrapped.Error()
	r.log.Error("rollback failed", "previous_revision", r.status.PreviousRevision, "error", err)
	r.transition(domain.StateRollbackFailed)
}

// plan lists the commands a real pass would run without touching the server.
func (s *Service) plan(server domain.ServerRecord, opts Options) domain.ServerStatus {
	cfg := s.cfg
	actions := []string{
		git.Head(cfg.AppDir),
		git.Fetch(cfg.AppDir),
		git.Resolve(cfg.AppDir, opts.GitRef),
		git.Checkout(cfg.AppDir, "<resolved "+opts.GitRef+">"),
	}
	if cfg.DepsCommand != "" {
		actions = append(actions, s.inAppDir(cfg.DepsCommand))
	}
	if target, names := s.migrationTarget(server); target.Shared || len(target.Tenants) > 0 {
		actions = append(actions, "migrate "+strings.Join(names, ","))
	}
	if cfg.RestartCommand != "" {
		actions = append(actions, s.inAppDir(cfg.RestartCommand))
	}
	actions = append(actions, "GET "+s.health.URL(server))
	if opts.Rollback {
		actions = append(actions, "on failure: checkout previous revision, reinstall, restart, health check")
	}
	now := s.now()
	s.logger.Info("planned server deployment", "server", server.Name, "actions", len(actions))
	return domain.ServerStatus{Server: server.Name, State: domain.StatePlanned, Actions: actions, StartedAt: now, FinishedAt: now}
}

// migrationTarget selects the databases served by server.
func (s *Service) migrationTarget(server domain.ServerRecord) (migration.Target, []string) {
	var target migration.Target
	var names []string
	if server.Type == domain.ServerShared {
		target.Shared = true
		names = append(names, domain.SharedSlug)
	}
	if s.tenants != nil {
		for _, t := range fleet.Tenants(server, s.tenants.All()) {
			target.Tenants = append(target.Tenants, t.Slug)
			names = append(names, t.Slug)
		}
	}
	return target, names
}

func (s *Service) inAppDir(command string) string {
	return "cd " + git.Quote(s.cfg.AppDir) + " && " + command
}
