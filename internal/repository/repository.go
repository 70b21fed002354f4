package repository

import (
	"context"
	"time"

	"github.com/splax/tenantops/internal/domain"
)

// RunLog persists deployment run progress.
type RunLog interface {
	AppendServer(ctx context.Context, run *domain.DeploymentRun, status domain.ServerStatus) error
	AppendSummary(ctx context.Context, run *domain.DeploymentRun) error
}

// BackupHistory persists backup records and prune events.
type BackupHistory interface {
	Record(ctx context.Context, rec domain.BackupRecord) error
	RecordPruned(ctx context.Context, rec domain.BackupRecord, at time.Time) error
	List(ctx context.Context) ([]domain.BackupRecord, error)
	Last(ctx context.Context) (domain.BackupRecord, error)
}

// DatabaseAdmin performs cluster-level DDL for tenant provisioning.
type DatabaseAdmin interface {
	RoleExists(ctx context.Context, role string) (bool, error)
	CreateRole(ctx context.Context, role, password string) error
	DatabaseExists(ctx context.Context, name string) (bool, error)
	CreateDatabase(ctx context.Context, name, owner string) error
	GrantAll(ctx context.Context, database, role string) error
	DropDatabase(ctx context.Context, name string) error
	DropRole(ctx context.Context, role string) error
}
