package tenant

import "github.com/splax/tenantops/internal/domain"

// Directory is the read side of the registry consumed by routing and orchestration.
type Directory interface {
	Resolve(slug string) (domain.TenantRecord, error)
	All() []domain.TenantRecord
}

var (
	_ Directory = (*Registry)(nil)
	_ Directory = (*Source)(nil)
)
