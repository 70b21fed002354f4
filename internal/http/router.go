package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/internal/metrics"
	"github.com/splax/tenantops/internal/service/backup"
	"github.com/splax/tenantops/internal/service/dbrouter"
	"github.com/splax/tenantops/internal/service/monitor"
	"github.com/splax/tenantops/internal/service/tenant"
	"github.com/splax/tenantops/pkg/crypto"
)

const (
	healthCheckTimeout = 2 * time.Second
	// HealthTokenHeader carries the operator token for the detailed health report.
	HealthTokenHeader = "X-Health-Token"
)

// Pinger checks database reachability through the router.
type Pinger interface {
	Ping(ctx context.Context, kind dbrouter.Kind, activeTenant string) error
}

// TenantResolver maps request signals to a tenant slug.
type TenantResolver interface {
	Resolve(sig tenant.Signal) (string, bool)
}

// DiskReporter reports usage of the backup volume.
type DiskReporter interface {
	DiskUsage() (backup.DiskUsage, error)
}

// LastBackup returns the most recent backup record.
type LastBackup interface {
	Last(ctx context.Context) (domain.BackupRecord, error)
}

// FleetHealth returns the monitor's current view of the fleet.
type FleetHealth interface {
	Snapshot() []monitor.ServerHealth
}

// Deps are the collaborators behind the opsd endpoints. Nil members disable
// the corresponding checks.
type Deps struct {
	DB                  Pinger
	Resolver            TenantResolver
	Disk                DiskReporter
	Backups             LastBackup
	Fleet               FleetHealth
	Metrics             *metrics.Collector
	HealthTokenHash     string
	DiskCriticalPercent float64
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	db           Pinger
	resolver     TenantResolver
	disk         DiskReporter
	backups      LastBackup
	fleet        FleetHealth
	collector    *metrics.Collector
	tokenHash    []byte
	diskCritical float64
	now          func() time.Time

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Deps) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger,
		db:           deps.DB,
		resolver:     deps.Resolver,
		disk:         deps.Disk,
		backups:      deps.Backups,
		fleet:        deps.Fleet,
		collector:    deps.Metrics,
		diskCritical: deps.DiskCriticalPercent,
		now:          time.Now,
	}
	if hash := strings.TrimSpace(deps.HealthTokenHash); hash != "" {
		r.tokenHash = []byte(hash)
	}
	if r.diskCritical <= 0 {
		r.diskCritical = 90
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	if r.collector != nil {
		r.mux.Handle("/metrics", promhttp.HandlerFor(r.collector.Registry(), promhttp.HandlerOpts{}))
	}
	r.mux.HandleFunc("/health/", r.instrument("/health/", r.handleHealth))
	r.mux.HandleFunc("/health/detailed/", r.instrument("/health/detailed/", r.handleHealthDetailed))
	r.mux.HandleFunc("/tenant/whoami", r.instrument("/tenant/whoami", r.withTenant(r.handleWhoami)))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if req.URL.Path != "/health/" {
		r.writeError(w, http.StatusNotFound, "not found")
		return
	}
	status := "healthy"
	code := http.StatusOK
	components := map[string]any{}
	if r.db != nil {
		component, ok := r.checkDatabase(req.Context())
		components["database"] = component
		if !ok {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	r.writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  r.now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleHealthDetailed(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !r.authorizedHealth(req) {
		r.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	status := "healthy"
	degrade := func(to string) {
		if status == "healthy" || to == "unhealthy" {
			status = to
		}
	}
	checks := map[string]any{}

	if r.db != nil {
		component, ok := r.checkDatabase(req.Context())
		checks["database"] = component
		if !ok {
			degrade("unhealthy")
		}
	}
	if r.disk != nil {
		usage, err := r.disk.DiskUsage()
		if err != nil {
			checks["disk"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			diskStatus := "ok"
			if usage.Percent >= r.diskCritical {
				diskStatus = "warning"
				degrade("warning")
			}
			checks["disk"] = map[string]any{
				"status":      diskStatus,
				"total_bytes": usage.Total,
				"free_bytes":  usage.Free,
				"used_bytes":  usage.Used,
				"percent":     usage.Percent,
				"summary":     usage.String(),
			}
		}
	}
	if r.backups != nil {
		rec, err := r.backups.Last(req.Context())
		switch {
		case errors.Is(err, domain.ErrNotFound):
			checks["backup"] = map[string]any{"status": "warning", "message": "no backup history found"}
			degrade("warning")
		case err != nil:
			checks["backup"] = map[string]any{"status": "error", "error": err.Error()}
		default:
			checks["backup"] = map[string]any{
				"status":      "ok",
				"last_backup": rec.CreatedAt.UTC().Format(time.RFC3339),
				"type":        string(rec.Kind),
				"target":      rec.Target,
			}
		}
	}
	if r.fleet != nil {
		servers := r.fleet.Snapshot()
		fleetStatus := "ok"
		for _, s := range servers {
			if !s.Healthy {
				fleetStatus = "warning"
				degrade("warning")
				break
			}
		}
		checks["fleet"] = map[string]any{"status": fleetStatus, "servers": servers}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, map[string]any{
		"status":    status,
		"checks":    checks,
		"timestamp": r.now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleWhoami(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	slug, ok := tenant.FromContext(req.Context())
	if !ok {
		r.writeError(w, http.StatusNotFound, "no active tenant")
		return
	}
	payload := map[string]any{"tenant": slug}
	if r.db == nil {
		r.writeJSON(w, http.StatusOK, payload)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if err := r.db.Ping(ctx, dbrouter.KindTenant, slug); err != nil {
		r.logger.Warn("tenant database unreachable", "tenant", slug, "error", err)
		payload["database"] = map[string]any{"status": "down", "error": err.Error()}
		r.writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	payload["database"] = map[string]any{"status": "up", "alias": dbrouter.TenantAlias(slug)}
	r.writeJSON(w, http.StatusOK, payload)
}

func (r *Router) checkDatabase(ctx context.Context) (map[string]any, bool) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	start := time.Now()
	if err := r.db.Ping(ctx, dbrouter.KindShared, ""); err != nil {
		return map[string]any{"status": "down", "error": err.Error()}, false
	}
	return map[string]any{
		"status":           "up",
		"response_time_ms": float64(time.Since(start).Microseconds()) / 1000,
	}, true
}

func (r *Router) authorizedHealth(req *http.Request) bool {
	if len(r.tokenHash) == 0 {
		return false
	}
	token := strings.TrimSpace(req.Header.Get(HealthTokenHeader))
	if token == "" {
		return false
	}
	return crypto.CompareToken(r.tokenHash, token) == nil
}

func (r *Router) logRequest(req *http.Request, recorder *statusRecorder, status int, duration time.Duration) {
	fields := []any{
		"method", req.Method,
		"path", req.URL.Path,
		"status", status,
		"bytes", recorder.bytes,
		"duration_ms", duration.Milliseconds(),
	}
	if ip := clientIP(req); ip != "" {
		fields = append(fields, "ip", ip)
	}
	if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
		fields = append(fields, "request_id", reqID)
	}
	if recorder.tenant != "" {
		fields = append(fields, "tenant", recorder.tenant)
	}
	switch {
	case status >= http.StatusInternalServerError:
		r.logger.Error("http_request", fields...)
	case status >= http.StatusBadRequest:
		r.logger.Warn("http_request", fields...)
	default:
		r.logger.Debug("http_request", fields...)
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
