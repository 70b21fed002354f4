package domain

// MigrationResult is the outcome of one migration pass against one database.
type MigrationResult struct {
	TenantSlug  string `json:"tenant"`
	Applied     bool   `json:"applied"`
	FromVersion int64  `json:"from_version"`
	ToVersion   int64  `json:"to_version"`
	Error       string `json:"error,omitempty"`
}

// Failed reports whether the pass errored.
func (r MigrationResult) Failed() bool {
	return r.Error != ""
}
