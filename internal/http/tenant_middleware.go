package httpx

import (
	"errors"
	"net/http"
	"strings"

	"github.com/splax/tenantops/internal/service/tenant"
)

const (
	// TenantHeader explicitly selects a tenant, like the org query parameter.
	TenantHeader  = "X-Tenant"
	SessionCookie = "tenantops_session"
)

type tenantSetter interface {
	SetTenant(string)
}

// withTenant resolves the active tenant and stores it in the request context.
// Requests that resolve to no tenant pass through unchanged.
func (r *Router) withTenant(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.resolver == nil {
			next(w, req)
			return
		}
		slug, ok := r.resolver.Resolve(signalFrom(req))
		if !ok {
			next(w, req)
			return
		}
		if setter, ok := w.(tenantSetter); ok {
			setter.SetTenant(slug)
		}
		next(w, req.WithContext(tenant.NewContext(req.Context(), slug)))
	}
}

func signalFrom(req *http.Request) tenant.Signal {
	sig := tenant.Signal{Host: req.Host}
	sig.Override = strings.TrimSpace(req.URL.Query().Get("org"))
	if sig.Override == "" {
		sig.Override = strings.TrimSpace(req.Header.Get(TenantHeader))
	}
	if token, err := bearerToken(req.Header.Get("Authorization")); err == nil {
		sig.SessionToken = token
	} else if cookie, err := req.Cookie(SessionCookie); err == nil {
		sig.SessionToken = cookie.Value
	}
	return sig
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
