package types

// RunState is the supervisor-side state of one execution.
type RunState string

// Run states. Terminal states cannot be left.
const (
	RunPending   RunState = "Pending"
	RunRunning   RunState = "Running"
	RunPaused    RunState = "Paused"
	RunPreempted RunState = "Preempted"
	RunCompleted RunState = "Completed"
	RunError     RunState = "Error"
)

// Terminal reports whether the state admits no further transitions.
// Preempted counts as terminal once the worker has been reaped; the
// supervisor treats it as a cancellation in flight until then.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunError:
		return true
	}
	return false
}

// Lifecycle phases emitted as Event frames.
const (
	PhaseStarted       = "started"
	PhasePaused        = "paused"
	PhaseResumed       = "resumed"
	PhasePreempted     = "preempted"
	PhaseBudgetUpdated = "budget_updated"
	PhaseControlNoop   = "control_noop"
)
