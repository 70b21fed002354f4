package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// VersionTable is the goose bookkeeping table in every migrated database.
const VersionTable = "goose_db_version"

// Outcome describes one Up call against a single database.
type Outcome struct {
	FromVersion int64
	ToVersion   int64
	Applied     []int64
	Faked       int64
}

// Status reports the migration position of one database.
type Status struct {
	Current int64
	Latest  int64
	Pending []int64
}

// Runner wraps goose for databases addressed by connection string. Each call opens
// its own handle and closes it on return.
type Runner struct {
	migrationsDir string
	timeout       time.Duration
	log           *slog.Logger
}

// New returns a migration runner backed by goose.
func New(migrationsDir string, timeout time.Duration, log *slog.Logger) (Runner, error) {
	if migrationsDir == "" {
		return Runner{}, errors.New("empty migrations directory")
	}
	info, err := os.Stat(migrationsDir)
	if err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	if !info.IsDir() {
		return Runner{}, fmt.Errorf("migrations path %s is not a directory", migrationsDir)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{migrationsDir: migrationsDir, timeout: timeout, log: log}, nil
}

// Dir returns the migrations directory.
func (r Runner) Dir() string {
	return r.migrationsDir
}

// Up applies pending migrations.
func (r Runner) Up(ctx context.Context, dsn string) (Outcome, error) {
	return r.up(ctx, dsn, false)
}

// UpFakeInitial records the lowest migration as applied without running it when the
// database has no recorded version yet, then applies the rest.
func (r Runner) UpFakeInitial(ctx context.Context, dsn string) (Outcome, error) {
	return r.up(ctx, dsn, true)
}

func (r Runner) up(ctx context.Context, dsn string, fakeInitial bool) (Outcome, error) {
	var out Outcome
	err := r.withProvider(ctx, dsn, func(runCtx context.Context, db *sql.DB, p *goose.Provider) error {
		from, err := p.GetDBVersion(runCtx)
		if err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		out.FromVersion = from

		if fakeInitial && from == 0 {
			sources := p.ListSources()
			if len(sources) > 0 {
				baseline := sources[0].Version
				if _, err := db.ExecContext(runCtx,
					"INSERT INTO "+VersionTable+" (version_id, is_applied) VALUES ($1, true)", baseline); err != nil {
					return fmt.Errorf("record baseline %d: %w", baseline, err)
				}
				out.Faked = baseline
				r.log.Info("baseline migration recorded without running", "version", baseline)
			}
		}

		results, upErr := p.Up(runCtx)
		for _, res := range results {
			if res == nil || res.Source == nil {
				continue
			}
			if res.Error != nil {
				r.log.Warn("migration failed", "version", res.Source.Version, "path", res.Source.Path, "error", res.Error)
				continue
			}
			out.Applied = append(out.Applied, res.Source.Version)
			r.log.Debug("migration applied", "version", res.Source.Version, "duration", res.Duration)
		}

		to, err := p.GetDBVersion(runCtx)
		if err != nil && upErr == nil {
			return fmt.Errorf("read version: %w", err)
		}
		out.ToVersion = to
		if upErr != nil {
			return fmt.Errorf("apply migrations: %w", upErr)
		}
		return nil
	})
	return out, err
}

// Status reports current, latest and pending versions.
func (r Runner) Status(ctx context.Context, dsn string) (Status, error) {
	var st Status
	err := r.withProvider(ctx, dsn, func(runCtx context.Context, _ *sql.DB, p *goose.Provider) error {
		current, err := p.GetDBVersion(runCtx)
		if err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		st.Current = current
		statuses, err := p.Status(runCtx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		for _, s := range statuses {
			if s.Source == nil {
				continue
			}
			if s.Source.Version > st.Latest {
				st.Latest = s.Source.Version
			}
			if s.State == goose.StatePending {
				st.Pending = append(st.Pending, s.Source.Version)
			}
		}
		return nil
	})
	return st, err
}

func (r Runner) withProvider(ctx context.Context, dsn string, fn func(context.Context, *sql.DB, *goose.Provider) error) error {
	if dsn == "" {
		return errors.New("empty database dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := db.PingContext(runCtx); err != nil {
		db.Close()
		return fmt.Errorf("ping sql connection: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(r.migrationsDir))
	if err != nil {
		db.Close()
		return fmt.Errorf("configure goose: %w", err)
	}
	defer provider.Close()

	return fn(runCtx, db, provider)
}
