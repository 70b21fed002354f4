package domain

import "time"

// ServerState is a node of the per-server deployment state machine.
type ServerState string

const (
	StatePending        ServerState = "pending"
	StateFetching       ServerState = "fetching"
	StateUpdating       ServerState = "updating"
	StateMigrating      ServerState = "migrating"
	StateRestarting     ServerState = "restarting"
	StateHealthChecking ServerState = "health_checking"
	StateSucceeded      ServerState = "succeeded"
	StateFailed         ServerState = "failed"
	StateRollingBack    ServerState = "rolling_back"
	StateRolledBack     ServerState = "rolled_back"
	StateRollbackFailed ServerState = "rollback_failed"
	StateSkipped        ServerState = "skipped"
	StateCancelled      ServerState = "cancelled"
	StatePlanned        ServerState = "planned"
)

// Terminal reports whether no further transition can happen from s.
func (s ServerState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRolledBack, StateRollbackFailed,
		StateSkipped, StateCancelled, StatePlanned:
		return true
	}
	return false
}

// Failure reports whether s counts towards the run's failure total.
// A rolled back server still failed to take the new revision.
func (s ServerState) Failure() bool {
	switch s {
	case StateFailed, StateRolledBack, StateRollbackFailed:
		return true
	}
	return false
}

// ServerStatus is one entry of a DeploymentRun.
type ServerStatus struct {
	Server           string      `json:"server"`
	State            ServerState `json:"state"`
	FailedPhase      ServerState `json:"failed_phase,omitempty"`
	PreviousRevision string      `json:"previous_revision,omitempty"`
	Revision         string      `json:"revision,omitempty"`
	Error            string      `json:"error,omitempty"`
	Actions          []string    `json:"actions,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
	FinishedAt       time.Time   `json:"finished_at"`
}

// DeploymentRun is the audit record of one orchestration pass.
type DeploymentRun struct {
	RunID      string         `json:"run_id"`
	GitRef     string         `json:"git_ref"`
	DryRun     bool           `json:"dry_run"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Servers    []ServerStatus `json:"servers"`
}

// RunSummary aggregates server outcomes.
type RunSummary struct {
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	RolledBack     int `json:"rolled_back"`
	RollbackFailed int `json:"rollback_failed"`
	Skipped        int `json:"skipped"`
	Cancelled      int `json:"cancelled"`
	Planned        int `json:"planned"`
}

// Failures counts servers that did not end on the new revision.
func (s RunSummary) Failures() int {
	return s.Failed + s.RolledBack + s.RollbackFailed
}

// Summary counts the run's terminal states.
func (r DeploymentRun) Summary() RunSummary {
	var out RunSummary
	for _, st := range r.Servers {
		switch st.State {
		case StateSucceeded:
			out.Succeeded++
		case StateFailed:
			out.Failed++
		case StateRolledBack:
			out.RolledBack++
		case StateRollbackFailed:
			out.RollbackFailed++
		case StateSkipped:
			out.Skipped++
		case StateCancelled:
			out.Cancelled++
		case StatePlanned:
			out.Planned++
		}
	}
	return out
}
