package tenant

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/splax/tenantops/internal/domain"
	"github.com/splax/tenantops/pkg/crypto"
)

const (
	// EnvDescriptorPrefix prefixes per-tenant connection strings.
	EnvDescriptorPrefix = "TENANT_DB_"
	// EnvServerPrefix prefixes the optional dedicated server assignment.
	EnvServerPrefix = "TENANT_SERVER_"
)

// reserved keys sharing EnvDescriptorPrefix that are not tenants.
var reservedKeys = map[string]bool{
	"SECRET": true,
	"PREFIX": true,
	"HOST":   true,
	"PORT":   true,
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]{0,62}$`)

// Registry is the authoritative tenant slug to database mapping.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]domain.TenantRecord
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tenants: make(map[string]domain.TenantRecord), now: time.Now}
}

// NormalizeSlug lowercases and validates a tenant slug.
func NormalizeSlug(raw string) (string, error) {
	slug := strings.ToLower(strings.TrimSpace(raw))
	if !slugPattern.MatchString(slug) {
		return "", fmt.Errorf("invalid tenant slug %q", raw)
	}
	if slug == domain.SharedSlug {
		return "", fmt.Errorf("tenant slug %q is reserved", slug)
	}
	return slug, nil
}

// EnvKey returns the configuration key holding the tenant's descriptor.
func EnvKey(slug string) string {
	return EnvDescriptorPrefix + strings.ToUpper(slug)
}

// Register adds a tenant. The registry is append-only outside Decommission.
func (r *Registry) Register(slug, descriptor string, tier domain.HostingTier, serverRef string) (domain.TenantRecord, error) {
	normalized, err := NormalizeSlug(slug)
	if err != nil {
		return domain.TenantRecord{}, err
	}
	if strings.TrimSpace(descriptor) == "" {
		return domain.TenantRecord{}, fmt.Errorf("tenant %s: empty database descriptor", normalized)
	}
	serverRef = strings.TrimSpace(serverRef)
	if tier == "" {
		tier = domain.TierShared
		if serverRef != "" {
			tier = domain.TierDedicated
		}
	}
	if tier == domain.TierDedicated && serverRef == "" {
		return domain.TenantRecord{}, fmt.Errorf("tenant %s: dedicated tier requires a server", normalized)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tenants[normalized]; exists {
		return domain.TenantRecord{}, fmt.Errorf("register %s: %w", normalized, domain.ErrDuplicateTenant)
	}
	rec := domain.TenantRecord{
		Slug:       normalized,
		Descriptor: descriptor,
		Tier:       tier,
		ServerRef:  serverRef,
		CreatedAt:  r.now().UTC(),
	}
	r.tenants[normalized] = rec
	return rec, nil
}

// Resolve is the single lookup path for tenant configuration.
func (r *Registry) Resolve(slug string) (domain.TenantRecord, error) {
	key := strings.ToLower(strings.TrimSpace(slug))
	r.mu.RLock()
	rec, ok := r.tenants[key]
	r.mu.RUnlock()
	if !ok {
		return domain.TenantRecord{}, fmt.Errorf("tenant %q: %w", slug, domain.ErrNotFound)
	}
	return rec, nil
}

// All returns every tenant ordered by slug.
func (r *Registry) All() []domain.TenantRecord {
	r.mu.RLock()
	out := make([]domain.TenantRecord, 0, len(r.tenants))
	for _, rec := range r.tenants {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Len returns the number of registered tenants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}

// Decommission runs teardown and removes the routing entry only once teardown succeeded,
// so routing never points at a database that is already gone.
func (r *Registry) Decommission(ctx context.Context, slug string, teardown func(context.Context, domain.TenantRecord) error) error {
	rec, err := r.Resolve(slug)
	if err != nil {
		return err
	}
	if teardown != nil {
		if err := teardown(ctx, rec); err != nil {
			return fmt.Errorf("decommission %s: %w", rec.Slug, err)
		}
	}
	r.mu.Lock()
	delete(r.tenants, rec.Slug)
	r.mu.Unlock()
	return nil
}

// LoadRegistry builds a registry from KEY=VALUE pairs such as os.Environ().
// Sealed descriptors are opened with secret.
func LoadRegistry(environ []string, secret string) (*Registry, error) {
	values := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		values[key] = value
	}

	keys := make([]string, 0)
	for key := range values {
		if !strings.HasPrefix(key, EnvDescriptorPrefix) {
			continue
		}
		if reservedKeys[strings.TrimPrefix(key, EnvDescriptorPrefix)] {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	reg := NewRegistry()
	for _, key := range keys {
		name := strings.TrimPrefix(key, EnvDescriptorPrefix)
		descriptor, err := crypto.Open(secret, strings.TrimSpace(values[key]))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		serverRef := strings.TrimSpace(values[EnvServerPrefix+name])
		if _, err := reg.Register(name, descriptor, "", serverRef); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	return reg, nil
}

// Source holds the current registry. Reload swaps in a freshly loaded registry
// so in-flight lookups keep a consistent view.
type Source struct {
	current atomic.Pointer[Registry]
}

// NewSource wraps an initial registry.
func NewSource(reg *Registry) *Source {
	s := &Source{}
	s.current.Store(reg)
	return s
}

// Registry returns the active registry.
func (s *Source) Registry() *Registry {
	return s.current.Load()
}

// Reload replaces the active registry with one built from environ.
func (s *Source) Reload(environ []string, secret string) error {
	reg, err := LoadRegistry(environ, secret)
	if err != nil {
		return err
	}
	s.current.Store(reg)
	return nil
}

// Resolve delegates to the active registry.
func (s *Source) Resolve(slug string) (domain.TenantRecord, error) {
	return s.Registry().Resolve(slug)
}

// All delegates to the active registry.
func (s *Source) All() []domain.TenantRecord {
	return s.Registry().All()
}
