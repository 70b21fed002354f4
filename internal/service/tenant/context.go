package tenant

import "context"

type contextKey string

const activeTenantKey contextKey = "tenantops-active-tenant"

// NewContext returns ctx carrying the active tenant slug.
func NewContext(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, activeTenantKey, slug)
}

// FromContext returns the active tenant slug stored by NewContext.
func FromContext(ctx context.Context) (string, bool) {
	slug, ok := ctx.Value(activeTenantKey).(string)
	return slug, ok && slug != ""
}
