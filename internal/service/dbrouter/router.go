package dbrouter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/internal/service/tenant"
)

// Kind is the static ownership class of a data model.
type Kind string

const (
	// KindShared models always live in the shared database.
	KindShared Kind = "shared"
	// KindTenant models live in the active tenant's database.
	KindTenant Kind = "tenant"
)

// SharedAlias names the shared database handle.
const SharedAlias = "default"

// sharedModels lists the app labels owned by the shared database.
var sharedModels = map[string]bool{
	"auth":         true,
	"accounts":     true,
	"organization": true,
	"membership":   true,
	"sessions":     true,
	"contenttypes": true,
}

// KindOf classifies a model by its app label ("auth.User" or "auth").
func KindOf(model string) Kind {
	label, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(model)), ".")
	if sharedModels[label] {
		return KindShared
	}
	return KindTenant
}

// ParseKind accepts "shared" or "tenant".
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindShared:
		return KindShared, nil
	case KindTenant, "tenant-owned":
		return KindTenant, nil
	}
	return "", fmt.Errorf("unknown domain kind %q", raw)
}

// Handle identifies the physical database chosen for an operation.
type Handle struct {
	Alias      string
	Tenant     string
	Descriptor string
}

// Conn is the subset of *pgxpool.Conn used by callers.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Release()
}

// Pool hands out connections to one database.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Ping(ctx context.Context) error
	Close()
}

// Opener creates a pool for a connection string.
type Opener func(ctx context.Context, descriptor string) (Pool, error)

// Router selects the database for a (kind, active tenant) pair.
type Router struct {
	dir         tenant.Directory
	shared      string
	open        Opener
	pingTimeout time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	pools map[string]Pool
}

// New returns a router over dir with sharedDescriptor as the shared database.
// A nil opener uses pgxpool.
func New(dir tenant.Directory, sharedDescriptor string, open Opener, logger *slog.Logger) *Router {
	if open == nil {
		open = OpenPGXPool
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		dir:         dir,
		shared:      sharedDescriptor,
		open:        open,
		pingTimeout: 5 * time.Second,
		logger:      logger,
		pools:       make(map[string]Pool),
	}
}

// TenantAlias is the connection alias of a tenant database.
func TenantAlias(slug string) string {
	return "tenant_" + slug
}

// Route resolves the handle for kind. Shared lookups ignore activeTenant; tenant-owned
// lookups require one and never fall back to the shared database.
func (r *Router) Route(kind Kind, activeTenant string) (Handle, error) {
	switch kind {
	case KindShared:
		return Handle{Alias: SharedAlias, Descriptor: r.shared}, nil
	case KindTenant:
		if strings.TrimSpace(activeTenant) == "" {
			return Handle{}, domain.ErrNoActiveTenant
		}
		rec, err := r.dir.Resolve(activeTenant)
		if err != nil {
			return Handle{}, err
		}
		return Handle{Alias: TenantAlias(rec.Slug), Tenant: rec.Slug, Descriptor: rec.Descriptor}, nil
	}
	return Handle{}, fmt.Errorf("unknown domain kind %q", kind)
}

// Acquire routes and checks out a connection. Callers must Release it.
func (r *Router) Acquire(ctx context.Context, kind Kind, activeTenant string) (Conn, error) {
	h, err := r.Route(kind, activeTenant)
	if err != nil {
		return nil, err
	}
	pool, err := r.pool(ctx, h)
	if err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", h.Alias, err)
	}
	return conn, nil
}

// With runs fn on a routed connection and releases it on every exit path.
func (r *Router) With(ctx context.Context, kind Kind, activeTenant string, fn func(context.Context, Conn) error) error {
	conn, err := r.Acquire(ctx, kind, activeTenant)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(ctx, conn)
}

// Ping verifies the routed database answers a trivial query.
func (r *Router) Ping(ctx context.Context, kind Kind, activeTenant string) error {
	return r.With(ctx, kind, activeTenant, func(ctx context.Context, conn Conn) error {
		var one int
		return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
	})
}

// Close closes every opened pool.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, pool := range r.pools {
		pool.Close()
		delete(r.pools, key)
	}
}

// pool returns the cached pool for h, opening and pinging it on first use.
// The lock is not held while dialing so one unreachable tenant cannot stall others.
func (r *Router) pool(ctx context.Context, h Handle) (Pool, error) {
	r.mu.Lock()
	existing, ok := r.pools[h.Descriptor]
	r.mu.Unlock()
	if ok {
		return existing, nil
	}

	opened, err := r.open(ctx, h.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", h.Alias, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, r.pingTimeout)
	defer cancel()
	if err := opened.Ping(pingCtx); err != nil {
		opened.Close()
		r.logger.Warn("database unreachable", "alias", h.Alias, "error", err)
		return nil, fmt.Errorf("database %s unreachable: %w", h.Alias, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.pools[h.Descriptor]; ok {
		opened.Close()
		return existing, nil
	}
	r.pools[h.Descriptor] = opened
	r.logger.Debug("database pool opened", "alias", h.Alias)
	return opened, nil
}

type pgxPool struct {
	inner *pgxpool.Pool
}

// OpenPGXPool is the production Opener.
func OpenPGXPool(ctx context.Context, descriptor string) (Pool, error) {
	inner, err := pgxpool.New(ctx, descriptor)
	if err != nil {
		return nil, err
	}
	return pgxPool{inner: inner}, nil
}

func (p pgxPool) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.inner.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (p pgxPool) Ping(ctx context.Context) error { return p.inner.Ping(ctx) }

func (p pgxPool) Close() { p.inner.Close() }
