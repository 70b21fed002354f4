package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/splax/tenantops/internal/app/migrate"
	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/internal/service/tenant"
)

// Migrator applies schema migrations to a single database.
type Migrator interface {
	Up(ctx context.Context, dsn string) (migrate.Outcome, error)
	UpFakeInitial(ctx context.Context, dsn string) (migrate.Outcome, error)
	Status(ctx context.Context, dsn string) (migrate.Status, error)
}

// Recorder observes per-database migration results.
type Recorder interface {
	ObserveMigration(result domain.MigrationResult, elapsed time.Duration)
}

// Target selects the databases of a migration pass.
type Target struct {
	// Shared includes the shared database.
	Shared bool
	// Tenants lists explicit tenant slugs.
	Tenants []string
	// All selects every registered tenant.
	All bool
}

// SharedTarget selects only the shared database.
func SharedTarget() Target { return Target{Shared: true} }

// TenantTarget selects the named tenants.
func TenantTarget(slugs ...string) Target { return Target{Tenants: slugs} }

// AllTenantsTarget selects every registered tenant.
func AllTenantsTarget() Target { return Target{All: true} }

// Options tune a pass.
type Options struct {
	FakeInitial bool
	Concurrency int
}

// TenantStatus is the migration position of one database.
type TenantStatus struct {
	Slug   string
	Status migrate.Status
	Err    error
}

// Orchestrator applies migrations across the registry.
type Orchestrator struct {
	dir      tenant.Directory
	shared   string
	migrator Migrator
	recorder Recorder
	logger   *slog.Logger
}

// New returns an orchestrator migrating sharedDSN and the tenants of dir.
func New(dir tenant.Directory, sharedDSN string, migrator Migrator, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{dir: dir, shared: sharedDSN, migrator: migrator, logger: logger}
}

// WithRecorder attaches a result observer.
func (o *Orchestrator) WithRecorder(r Recorder) *Orchestrator {
	o.recorder = r
	return o
}

type job struct {
	slug string
	dsn  string
}

// plan resolves the target into an ordered list of databases.
func (o *Orchestrator) plan(target Target) ([]job, error) {
	var jobs []job
	seen := map[string]bool{}
	if target.Shared {
		if o.shared == "" {
			return nil, errors.New("shared database descriptor is not configured")
		}
		jobs = append(jobs, job{slug: domain.SharedSlug, dsn: o.shared})
		seen[domain.SharedSlug] = true
	}
	if target.All {
		for _, rec := range o.dir.All() {
			if !seen[rec.Slug] {
				jobs = append(jobs, job{slug: rec.Slug, dsn: rec.Descriptor})
				seen[rec.Slug] = true
			}
		}
	}
	for _, slug := range target.Tenants {
		rec, err := o.dir.Resolve(slug)
		if err != nil {
			return nil, err
		}
		if !seen[rec.Slug] {
			jobs = append(jobs, job{slug: rec.Slug, dsn: rec.Descriptor})
			seen[rec.Slug] = true
		}
	}
	return jobs, nil
}

// Run migrates every database selected by target. Failures of individual databases are
// reported in the results and never stop the pass; the error covers configuration
// problems only.
func (o *Orchestrator) Run(ctx context.Context, target Target, opts Options) ([]domain.MigrationResult, error) {
	if o.migrator == nil {
		return nil, errors.New("migration runner is not configured")
	}
	jobs, err := o.plan(target)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		o.logger.Warn("no databases selected for migration")
		return nil, nil
	}

	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}

	results := make([]domain.MigrationResult, len(jobs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, j := range jobs {
		g.Go(func() error {
			results[i] = o.migrateOne(ctx, j, opts)
			return nil
		})
	}
	_ = g.Wait()

	failed := Failed(results)
	o.logger.Info("migration pass complete", "databases", len(results), "failed", len(failed))
	return results, nil
}

func (o *Orchestrator) migrateOne(ctx context.Context, j job, opts Options) domain.MigrationResult {
	result := domain.MigrationResult{TenantSlug: j.slug}
	log := o.logger.With("tenant", j.slug)
	if err := ctx.Err(); err != nil {
		result.Error = err.Error()
		return result
	}

	start := time.Now()
	var (
		out migrate.Outcome
		err error
	)
	if opts.FakeInitial {
		out, err = o.migrator.UpFakeInitial(ctx, j.dsn)
	} else {
		out, err = o.migrator.Up(ctx, j.dsn)
	}
	result.FromVersion = out.FromVersion
	result.ToVersion = out.ToVersion
	result.Applied = out.ToVersion != out.FromVersion
	if err != nil {
		result.Error = fmt.Sprintf("migrate %s: %s", j.slug, err)
		log.Error("tenant migration failed", "error", err)
	} else if result.Applied {
		log.Info("tenant migrated", "from", out.FromVersion, "to", out.ToVersion)
	} else {
		log.Info("tenant already up to date", "version", out.ToVersion)
	}
	if o.recorder != nil {
		o.recorder.ObserveMigration(result, time.Since(start))
	}
	return result
}

// Status reports the migration position of every database selected by target.
func (o *Orchestrator) Status(ctx context.Context, target Target) ([]TenantStatus, error) {
	if o.migrator == nil {
		return nil, errors.New("migration runner is not configured")
	}
	jobs, err := o.plan(target)
	if err != nil {
		return nil, err
	}
	out := make([]TenantStatus, 0, len(jobs))
	for _, j := range jobs {
		st, err := o.migrator.Status(ctx, j.dsn)
		out = append(out, TenantStatus{Slug: j.slug, Status: st, Err: err})
	}
	return out, nil
}

// Failed returns the failed results.
func Failed(results []domain.MigrationResult) []domain.MigrationResult {
	var out []domain.MigrationResult
	for _, r := range results {
		if r.Failed() {
			out = append(out, r)
		}
	}
	return out
}

// Err combines the errors of every failed result, or returns nil.
func Err(results []domain.MigrationResult) error {
	var err error
	for _, r := range results {
		if r.Failed() {
			err = multierr.Append(err, fmt.Errorf("%s: %s", r.TenantSlug, r.Error))
		}
	}
	return err
}
