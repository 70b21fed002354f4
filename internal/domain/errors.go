package domain

import "errors"

var (
	// ErrDuplicateTenant indicates a tenant slug is already registered.
	ErrDuplicateTenant = errors.New("tenantops: duplicate tenant")
	// ErrNotFound indicates an unknown tenant or server.
	ErrNotFound = errors.New("tenantops: not found")
	// ErrNoActiveTenant indicates a tenant-owned lookup without a resolved tenant.
	ErrNoActiveTenant = errors.New("tenantops: no active tenant")
	// ErrRemoteCommandFailed indicates a remote command exited non-zero.
	ErrRemoteCommandFailed = errors.New("tenantops: remote command failed")
	// ErrRemoteTimeout indicates a remote command did not finish within its timeout.
	ErrRemoteTimeout = errors.New("tenantops: remote command timed out")
	// ErrHealthCheckFailed indicates the liveness probe did not succeed.
	ErrHealthCheckFailed = errors.New("tenantops: health check failed")
	// ErrRollbackFailed indicates a server could not be returned to its previous revision.
	ErrRollbackFailed = errors.New("tenantops: rollback failed")
)
