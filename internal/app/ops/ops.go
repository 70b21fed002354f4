// Package ops assembles the services shared by the tenantops CLI and opsd.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/subosito/gotenv"

	"github.com/splax/tenantops/internal/app/migrate"
	"github.com/splax/tenantops/internal/docker"
	"github.com/splax/tenantops/internal/fleet"
	"github.com/splax/tenantops/internal/health"
	"github.com/splax/tenantops/internal/lock"
	"github.com/splax/tenantops/internal/metrics"
	"github.com/splax/tenantops/internal/remote"
	"github.com/splax/tenantops/internal/repository/postgres"
	"github.com/splax/tenantops/internal/repository/textlog"
	"github.com/splax/tenantops/internal/service/backup"
	"github.com/splax/tenantops/internal/service/dbrouter"
	"github.com/splax/tenantops/internal/service/deploy"
	"github.com/splax/tenantops/internal/service/migration"
	"github.com/splax/tenantops/internal/service/provision"
	"github.com/splax/tenantops/internal/service/tenant"
	"github.com/splax/tenantops/internal/workspace"
	"github.com/splax/tenantops/pkg/config"
)

// Ops lazily builds services from configuration. It is not safe for concurrent
// construction; build what you need before starting goroutines.
type Ops struct {
	Config  config.OpsConfig
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tenants *tenant.Source

	router   *dbrouter.Router
	migrator *migration.Orchestrator
	locker   lock.Locker
	fleet    *fleet.Fleet

	closeOnce sync.Once
	closers   []func()
}

// New loads the tenant registry and prepares the metrics collector.
func New(cfg config.OpsConfig, logger *slog.Logger, withRuntimeMetrics bool) (*Ops, error) {
	if logger == nil {
		logger = slog.Default()
	}
	environ, err := Environ(cfg.TenantEnvFile)
	if err != nil {
		return nil, err
	}
	reg, err := tenant.LoadRegistry(environ, cfg.TenantDBSecret)
	if err != nil {
		return nil, fmt.Errorf("load tenant registry: %w", err)
	}
	logger.Debug("tenant registry loaded", "tenants", reg.Len())
	return &Ops{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(withRuntimeMetrics),
		Tenants: tenant.NewSource(reg),
	}, nil
}

// Environ returns the process environment overlaid with envFile, if set.
func Environ(envFile string) ([]string, error) {
	environ := os.Environ()
	if strings.TrimSpace(envFile) == "" {
		return environ, nil
	}
	f, err := os.Open(envFile)
	if err != nil {
		return nil, fmt.Errorf("open tenant env file: %w", err)
	}
	defer f.Close()
	values, err := gotenv.StrictParse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", envFile, err)
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		environ = append(environ, key+"="+values[key])
	}
	return environ, nil
}

// ReloadTenants re-reads tenant configuration into the shared source.
func (o *Ops) ReloadTenants() error {
	environ, err := Environ(o.Config.TenantEnvFile)
	if err != nil {
		return err
	}
	return o.Tenants.Reload(environ, o.Config.TenantDBSecret)
}

// Registry returns the current registry snapshot.
func (o *Ops) Registry() *tenant.Registry {
	return o.Tenants.Registry()
}

// Router returns the database router over the tenant source.
func (o *Ops) Router() *dbrouter.Router {
	if o.router == nil {
		o.router = dbrouter.New(o.Tenants, o.Config.DatabaseURL, nil, o.Logger.With("component", "dbrouter"))
		o.onClose(o.router.Close)
	}
	return o.router
}

// Migrations returns the migration orchestrator.
func (o *Ops) Migrations() (*migration.Orchestrator, error) {
	if o.migrator != nil {
		return o.migrator, nil
	}
	runner, err := migrate.New(o.Config.MigrationsDir, o.Config.MigrationTimeout, o.Logger.With("component", "migrate"))
	if err != nil {
		return nil, err
	}
	o.migrator = migration.New(o.Tenants, o.Config.DatabaseURL, runner, o.Logger.With("component", "migration")).
		WithRecorder(o.Metrics)
	return o.migrator, nil
}

// Locker returns the Redis lock when REDIS_ADDR is set, otherwise a process-local lock.
func (o *Ops) Locker() (lock.Locker, error) {
	if o.locker != nil {
		return o.locker, nil
	}
	if strings.TrimSpace(o.Config.RedisAddr) == "" {
		o.Logger.Debug("REDIS_ADDR not set, using in-process lock")
		o.locker = lock.NewMemory()
		return o.locker, nil
	}
	l, err := lock.NewRedis(o.Config.RedisAddr, o.Config.RedisPass, o.Config.RedisDB, o.Logger.With("component", "lock"))
	if err != nil {
		return nil, err
	}
	o.onClose(func() { _ = l.Close() })
	o.locker = l
	return o.locker, nil
}

// Fleet loads the fleet file once.
func (o *Ops) Fleet() (fleet.Fleet, error) {
	if o.fleet != nil {
		return *o.fleet, nil
	}
	fl, err := fleet.Load(o.Config.FleetFile)
	if err != nil {
		return fleet.Fleet{}, err
	}
	o.fleet = &fl
	return fl, nil
}

// Prober returns a health prober. attempts overrides the configured count when positive.
func (o *Ops) Prober(attempts int) *health.Prober {
	if attempts <= 0 {
		attempts = o.Config.HealthAttempts
	}
	return health.NewProber(health.Config{
		Scheme:      o.Config.HealthScheme,
		Port:        o.Config.HealthPort,
		Path:        o.Config.HealthPath,
		Timeout:     o.Config.HealthTimeout,
		Attempts:    attempts,
		AttemptWait: o.Config.HealthAttemptWait,
	}, o.Logger.With("component", "health"))
}

// Executor dispatches local servers to the shell and the rest to SSH.
func (o *Ops) Executor() (remote.Executor, error) {
	exec := remote.Auto{Local: remote.Local{}}
	sshExec, err := remote.NewSSH(remote.SSHConfig{
		User:           o.Config.SSHUser,
		Port:           o.Config.SSHPort,
		KnownHostsFile: o.Config.SSHKnownHosts,
		Insecure:       o.Config.SSHInsecure,
		CredentialsDir: o.Config.CredentialsDir,
	})
	if err != nil {
		o.Logger.Warn("ssh executor unavailable, only local servers can be deployed", "error", err)
		return exec, nil
	}
	exec.Remote = sshExec
	return exec, nil
}

// Deployer wires the fleet deployment orchestrator.
func (o *Ops) Deployer() (*deploy.Service, error) {
	fl, err := o.Fleet()
	if err != nil {
		return nil, err
	}
	migrator, err := o.Migrations()
	if err != nil {
		return nil, err
	}
	exec, err := o.Executor()
	if err != nil {
		return nil, err
	}
	locker, err := o.Locker()
	if err != nil {
		return nil, err
	}
	cfg := deploy.Config{
		AppDir:         o.Config.AppDir,
		DepsCommand:    o.Config.DepsCommand,
		RestartCommand: o.Config.RestartCommand,
		FetchTimeout:   o.Config.FetchTimeout,
		DepsTimeout:    o.Config.DepsTimeout,
		MigrateTimeout: o.Config.MigrateTimeout,
		RestartTimeout: o.Config.RestartTimeout,
		LockTTL:        o.Config.LockTTL,
	}
	runs := textlog.NewRunLog(o.Config.RunLogPath)
	svc := deploy.New(cfg, fl, o.Tenants, exec, o.Prober(0), migrator, runs, o.Logger.With("component", "deploy")).
		WithLocker(locker).
		WithRecorder(o.Metrics)
	return svc, nil
}

// History returns the backup history log.
func (o *Ops) History() *textlog.BackupHistory {
	return textlog.NewBackupHistory(o.Config.BackupHistoryPath)
}

// Backups wires the backup coordinator. pg_dump runs inside BACKUP_PG_CONTAINER
// when set, otherwise on the control host.
func (o *Ops) Backups() (*backup.Coordinator, error) {
	ws, err := workspace.New(o.Config.BackupRoot)
	if err != nil {
		return nil, err
	}
	var dumper backup.Dumper = backup.LocalDumper{Path: o.Config.PGDumpPath}
	if container := strings.TrimSpace(o.Config.BackupPGContainer); container != "" {
		cli, err := docker.New("")
		if err != nil {
			return nil, err
		}
		o.onClose(func() { _ = cli.Close() })
		dumper = backup.DockerDumper{Client: cli, Container: container}
	}
	locker, err := o.Locker()
	if err != nil {
		return nil, err
	}
	cfg := backup.Config{
		MediaRoot:           o.Config.MediaRoot,
		TargetTimeout:       o.Config.BackupTimeout,
		DiskCriticalPercent: float64(o.Config.DiskCriticalPercent),
		LockTTL:             o.Config.LockTTL,
	}
	c := backup.New(cfg, ws, o.Tenants, o.Config.DatabaseURL, dumper, o.History(), o.Logger.With("component", "backup")).
		WithLocker(locker).
		WithRecorder(o.Metrics)
	return c, nil
}

// Provisioner connects to the maintenance database and wires tenant provisioning.
func (o *Ops) Provisioner(ctx context.Context) (*provision.Service, error) {
	if strings.TrimSpace(o.Config.AdminDatabaseURL) == "" {
		return nil, errors.New("PG_ADMIN_URL is required")
	}
	pool, err := pgxpool.New(ctx, o.Config.AdminDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect admin database: %w", err)
	}
	o.onClose(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping admin database: %w", err)
	}
	migrator, err := o.Migrations()
	if err != nil {
		return nil, err
	}
	cfg := provision.Config{
		Prefix: o.Config.TenantDBPrefix,
		Host:   o.Config.TenantDBHost,
		Port:   o.Config.TenantDBPort,
		Secret: o.Config.TenantDBSecret,
	}
	return provision.New(cfg, postgres.NewAdmin(pool), o.Registry(), migrator, o.Logger.With("component", "provision")), nil
}

// FlushMetrics writes the metrics textfile when METRICS_TEXTFILE is set.
func (o *Ops) FlushMetrics() {
	if err := o.Metrics.WriteTextfile(o.Config.MetricsTextfile); err != nil {
		o.Logger.Warn("metrics textfile not written", "error", err)
	}
}

// Close releases pools and clients in reverse order of creation.
func (o *Ops) Close() {
	o.closeOnce.Do(func() {
		for i := len(o.closers) - 1; i >= 0; i-- {
			o.closers[i]()
		}
	})
}

func (o *Ops) onClose(fn func()) {
	o.closers = append(o.closers, fn)
}
