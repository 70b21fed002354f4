package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/multierr"

	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/internal/repository"
	"github.com/splax/tenantops/internal/service/migration"
	"github.com/splax/tenantops/internal/service/tenant"
	"github.com/splax/tenantops/pkg/crypto"
)

// PasswordLength is the length of generated tenant passwords.
const PasswordLength = 16

// Migrator runs the initial migrations of a new tenant.
type Migrator interface {
	Run(ctx context.Context, target migration.Target, opts migration.Options) ([]domain.MigrationResult, error)
}

// Config holds provisioning defaults.
type Config struct {
	Prefix string
	Host   string
	Port   int
	Secret string
}

// Request describes a tenant database to create. Empty fields take defaults.
type Request struct {
	Slug           string
	DBName         string
	DBUser         string
	Password       string
	Host           string
	Port           int
	ServerRef      string
	SkipMigrations bool
	Encrypt        bool
}

// Result reports what Create did.
type Result struct {
	Tenant      domain.TenantRecord
	DBName      string
	DBUser      string
	Password    string
	RoleCreated bool
	DBCreated   bool
	Migration   *domain.MigrationResult
	// ConfigLine is the TENANT_DB_<SLUG>=<descriptor> entry to persist.
	ConfigLine string
}

// Service creates and removes tenant databases.
type Service struct {
	cfg      Config
	admin    repository.DatabaseAdmin
	registry *tenant.Registry
	migrator Migrator
	logger   *slog.Logger
}

// New constructs a provisioning service.
func New(cfg Config, admin repository.DatabaseAdmin, registry *tenant.Registry, migrator Migrator, logger *slog.Logger) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = "epica_"
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port <= 0 {
		cfg.Port = 5432
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, admin: admin, registry: registry, migrator: migrator, logger: logger}
}

// Create provisions the role and database, registers the tenant and applies migrations.
func (s *Service) Create(ctx context.Context, req Request) (Result, error) {
	slug, err := tenant.NormalizeSlug(req.Slug)
	if err != nil {
		return Result{}, err
	}
	if _, err := s.registry.Resolve(slug); err == nil {
		return Result{}, fmt.Errorf("create %s: %w", slug, domain.ErrDuplicateTenant)
	}
	res := Result{
		DBName:   firstNonEmpty(req.DBName, s.cfg.Prefix+slug),
		DBUser:   firstNonEmpty(req.DBUser, s.cfg.Prefix+slug),
		Password: req.Password,
	}
	if res.Password == "" {
		if res.Password, err = crypto.GeneratePassword(PasswordLength); err != nil {
			return Result{}, fmt.Errorf("generate password: %w", err)
		}
	}
	host := firstNonEmpty(req.Host, s.cfg.Host)
	port := req.Port
	if port <= 0 {
		port = s.cfg.Port
	}
	log := s.logger.With("tenant", slug, "database", res.DBName)

	roleExists, err := s.admin.RoleExists(ctx, res.DBUser)
	if err != nil {
		return Result{}, fmt.Errorf("check role: %w", err)
	}
	if !roleExists {
		if err := s.admin.CreateRole(ctx, res.DBUser, res.Password); err != nil {
			return Result{}, err
		}
		res.RoleCreated = true
		log.Info("tenant role created", "role", res.DBUser)
	} else {
		log.Warn("tenant role already exists, keeping its password", "role", res.DBUser)
	}

	dbExists, err := s.admin.DatabaseExists(ctx, res.DBName)
	if err != nil {
		return Result{}, fmt.Errorf("check database: %w", err)
	}
	if !dbExists {
		if err := s.admin.CreateDatabase(ctx, res.DBName, res.DBUser); err != nil {
			return Result{}, s.undo(ctx, res, err, log)
		}
		res.DBCreated = true
		log.Info("tenant database created")
	} else {
		log.Warn("tenant database already exists")
	}
	if err := s.admin.GrantAll(ctx, res.DBName, res.DBUser); err != nil {
		return Result{}, s.undo(ctx, res, err, log)
	}

	descriptor := Descriptor(res.DBUser, res.Password, host, port, res.DBName)
	rec, err := s.registry.Register(slug, descriptor, "", req.ServerRef)
	if err != nil {
		return Result{}, s.undo(ctx, res, err, log)
	}
	res.Tenant = rec

	value := descriptor
	if req.Encrypt {
		if value, err = crypto.Seal(s.cfg.Secret, descriptor); err != nil {
			return res, fmt.Errorf("encrypt descriptor: %w", err)
		}
	}
	res.ConfigLine = tenant.EnvKey(slug) + "=" + value

	if req.SkipMigrations {
		return res, nil
	}
	if s.migrator == nil {
		return res, errors.New("migration orchestrator is not configured")
	}
	results, err := s.migrator.Run(ctx, migration.TenantTarget(slug), migration.Options{})
	if err != nil {
		return res, fmt.Errorf("migrate %s: %w", slug, err)
	}
	if len(results) == 1 {
		res.Migration = &results[0]
	}
	if err := migration.Err(results); err != nil {
		return res, err
	}
	return res, nil
}

// undo drops the role and database this call created before cause stopped it. Objects
// that existed beforehand are never touched; anything left behind is logged.
func (s *Service) undo(ctx context.Context, res Result, cause error, log *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)
	err := cause
	if res.DBCreated {
		if derr := s.admin.DropDatabase(ctx, res.DBName); derr != nil {
			log.Error("left behind tenant database", "error", derr)
			err = multierr.Append(err, fmt.Errorf("drop database %s: %w", res.DBName, derr))
		} else {
			log.Warn("dropped partially provisioned tenant database")
		}
	}
	if res.RoleCreated {
		if derr := s.admin.DropRole(ctx, res.DBUser); derr != nil {
			log.Error("left behind tenant role", "role", res.DBUser, "error", derr)
			err = multierr.Append(err, fmt.Errorf("drop role %s: %w", res.DBUser, derr))
		} else {
			log.Warn("dropped partially provisioned tenant role", "role", res.DBUser)
		}
	}
	return err
}

// Decommission drops the tenant's database and role, then removes its routing entry.
func (s *Service) Decommission(ctx context.Context, slug string) error {
	return s.registry.Decommission(ctx, slug, func(ctx context.Context, rec domain.TenantRecord) error {
		cfg, err := pgconn.ParseConfig(rec.Descriptor)
		if err != nil {
			return fmt.Errorf("parse descriptor: %w", err)
		}
		if cfg.Database == "" {
			return errors.New("descriptor names no database")
		}
		if err := s.admin.DropDatabase(ctx, cfg.Database); err != nil {
			return err
		}
		if cfg.User != "" {
			if err := s.admin.DropRole(ctx, cfg.User); err != nil {
				return err
			}
		}
		s.logger.Info("tenant decommissioned", "tenant", rec.Slug, "database", cfg.Database)
		return nil
	})
}

// Descriptor builds a postgres connection URL.
func Descriptor(user, password, host string, port int, database string) string {
	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + database,
	}
	return u.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
