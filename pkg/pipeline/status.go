package pipeline

// TerminalStatus is the outcome of a Driver run.
type TerminalStatus string

const (
	StatusCompleted           TerminalStatus = "completed"
	StatusTerminatedByRequest TerminalStatus = "terminated_by_request"
	StatusTerminatedByLimit   TerminalStatus = "terminated_by_limit"
	StatusAborted             TerminalStatus = "aborted"
	StatusCancelled           TerminalStatus = "cancelled"
)

// ExitCode maps a terminal status to a process exit code.
func (s TerminalStatus) ExitCode() int {
	switch s {
	case StatusCompleted, StatusTerminatedByRequest:
		return 0
	case StatusAborted:
		return 1
	case StatusTerminatedByLimit:
		return 3
	case StatusCancelled:
		return 130
	default:
		return 1
	}
}

// ActionState is the per-action lifecycle state.
type ActionState string

const (
	StatePending          ActionState = "pending"
	StateValidating       ActionState = "validating"
	StateExecuting        ActionState = "executing"
	StateCompleted        ActionState = "completed"
	StateValidationFailed ActionState = "validation_failed"
	StateForced           ActionState = "forced"
	StateSkipped          ActionState = "skipped"
	StateFailed           ActionState = "failed"
	StateContinued        ActionState = "continued"
	StateAborted          ActionState = "aborted"
)

// IsTerminal reports whether the state ends an action's dispatch.
func (s ActionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateSkipped, StateContinued, StateAborted:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the action state
// machine:
//
//	Pending -> Validating -> Executing -> Completed
//	Validating -> ValidationFailed -> Skipped | Aborted | Forced -> Executing
//	Executing -> Failed -> Continued | Aborted
//	Completed -> Pending (loop re-enqueue)
func CanTransition(from, to ActionState) bool {
	switch from {
	case StatePending:
		return to == StateValidating
	case StateValidating:
		return to == StateExecuting || to == StateValidationFailed
	case StateValidationFailed:
		return to == StateSkipped || to == StateAborted || to == StateForced
	case StateForced:
		return to == StateExecuting
	case StateExecuting:
		return to == StateCompleted || to == StateFailed
	case StateFailed:
		return to == StateContinued || to == StateAborted
	case StateCompleted:
		return to == StatePending
	default:
		return false
	}
}
