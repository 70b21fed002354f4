package domain

import "time"

// HostingTier describes where a tenant database lives.
type HostingTier string

const (
	TierShared    HostingTier = "shared"
	TierDedicated HostingTier = "dedicated"
)

// SharedSlug names the shared database in results and backups.
const SharedSlug = "shared"

// TenantRecord maps a tenant slug to its database.
type TenantRecord struct {
	Slug       string
	Descriptor string
	Tier       HostingTier
	ServerRef  string
	CreatedAt  time.Time
}
