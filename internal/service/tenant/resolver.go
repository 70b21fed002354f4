package tenant

import (
	"log/slog"
	"net"
	"strings"

	"github.com/splax/tenantops/pkg/jwt"
)

// Signal carries the request-side hints that may name a tenant.
type Signal struct {
	Host         string
	Override     string
	SessionToken string
}

// Resolver turns a Signal into an active tenant slug.
type Resolver struct {
	dir           Directory
	baseDomains   []string
	sessionSecret string
	logger        *slog.Logger
}

// NewResolver returns a resolver. baseDomains are apex hosts such as "example.com".
func NewResolver(dir Directory, baseDomains []string, sessionSecret string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	domains := make([]string, 0, len(baseDomains))
	for _, d := range baseDomains {
		if d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), "."); d != "" {
			domains = append(domains, d)
		}
	}
	return &Resolver{dir: dir, baseDomains: domains, sessionSecret: sessionSecret, logger: logger}
}

// Resolve applies precedence override > session token > subdomain and returns the
// first candidate that names a registered tenant. ok is false when none does.
func (r *Resolver) Resolve(sig Signal) (string, bool) {
	candidates := []struct {
		source string
		slug   string
	}{
		{"override", strings.TrimSpace(sig.Override)},
		{"session", r.sessionTenant(sig.SessionToken)},
		{"subdomain", r.Subdomain(sig.Host)},
	}
	for _, c := range candidates {
		if c.slug == "" {
			continue
		}
		rec, err := r.dir.Resolve(c.slug)
		if err != nil {
			r.logger.Debug("tenant signal did not match", "source", c.source, "candidate", c.slug)
			continue
		}
		return rec.Slug, true
	}
	return "", false
}

// Subdomain extracts the leftmost label of host when host is a direct child
// of a configured base domain.
func (r *Resolver) Subdomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if host == "localhost" || net.ParseIP(host) != nil {
		return ""
	}
	for _, base := range r.baseDomains {
		if host == base {
			return ""
		}
		suffix := "." + base
		if !strings.HasSuffix(host, suffix) {
			continue
		}
		label := strings.TrimSuffix(host, suffix)
		if label == "" || strings.Contains(label, ".") {
			return ""
		}
		return label
	}
	return ""
}

func (r *Resolver) sessionTenant(token string) string {
	token = strings.TrimSpace(token)
	if token == "" || r.sessionSecret == "" {
		return ""
	}
	claims, err := jwt.Parse(token, r.sessionSecret)
	if err != nil {
		r.logger.Debug("session token rejected", "error", err)
		return ""
	}
	return claims.Tenant
}
