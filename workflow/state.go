// Package workflow provides the update workflow tree: the nodes the
// engine walks while driving Download, Install and Apply across nested
// update steps, the per-node state machine, and the crash snapshot used
// for restart recovery.
package workflow

// State represents the current phase of a workflow node. The root mirrors
// the reporting state sent to the service.
type State string

const (
	// StateIdle indicates no deployment is in progress (including
	// post-report after a terminal state).
	StateIdle State = "idle"
	// StateDeploymentInProgress indicates a deployment was accepted and the
	// tree is materialized.
	StateDeploymentInProgress State = "deploymentInProgress"
	// StateDownloadStarted indicates payload download began.
	StateDownloadStarted State = "downloadStarted"
	// StateDownloadSucceeded indicates all payloads downloaded and verified.
	StateDownloadSucceeded State = "downloadSucceeded"
	// StateInstallStarted indicates install began.
	StateInstallStarted State = "installStarted"
	// StateInstallSucceeded indicates install completed.
	StateInstallSucceeded State = "installSucceeded"
	// StateApplyStarted indicates apply began.
	StateApplyStarted State = "applyStarted"
	// StateApplySucceeded is the terminal success state.
	StateApplySucceeded State = "applySucceeded"
	// StateFailed is the terminal failure state.
	StateFailed State = "failed"
	// StateCancelled is the terminal cancellation state.
	StateCancelled State = "cancelled"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a known workflow state.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateDeploymentInProgress,
		StateDownloadStarted, StateDownloadSucceeded,
		StateInstallStarted, StateInstallSucceeded,
		StateApplyStarted, StateApplySucceeded,
		StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the state ends the workflow walk.
func (s State) IsTerminal() bool {
	switch s {
	case StateApplySucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the transition is legal. Every
// non-terminal state other than Idle may fail or be cancelled; DeploymentInProgress may
// jump straight to ApplySucceeded when the step short-circuits on an
// already-satisfied installed criteria.
func (s State) CanTransitionTo(next State) bool {
	if !next.IsValid() {
		return false
	}
	if !s.IsTerminal() && s != StateIdle && (next == StateFailed || next == StateCancelled) {
		return true
	}
	switch s {
	case StateIdle:
		return next == StateDeploymentInProgress
	case StateDeploymentInProgress:
		return next == StateDownloadStarted || next == StateApplySucceeded
	case StateDownloadStarted:
		// The download phase may itself discover the update is already
		// installed and finish the step.
		return next == StateDownloadSucceeded || next == StateApplySucceeded
	case StateDownloadSucceeded:
		return next == StateInstallStarted
	case StateInstallStarted:
		return next == StateInstallSucceeded
	case StateInstallSucceeded:
		return next == StateApplyStarted
	case StateApplyStarted:
		return next == StateApplySucceeded
	case StateApplySucceeded, StateFailed, StateCancelled:
		return next == StateIdle
	}
	return false
}
