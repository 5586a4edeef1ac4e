package pipeline

import (
	"fmt"
	"strings"
)

// ParseError reports a malformed recipe. It is raised before anything runs.
type ParseError struct {
	Pos string
	Msg string
	Err error
}

func (e *ParseError) Error() string {
	if e.Pos != "" {
		return fmt.Sprintf("recipe %s: %s", e.Pos, e.Msg)
	}
	return "recipe: " + e.Msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnknownPrimitiveError reports a primitive name missing from the registry.
type UnknownPrimitiveError struct {
	Name string
	Pos  string
}

func (e *UnknownPrimitiveError) Error() string {
	if e.Pos != "" {
		return fmt.Sprintf("recipe %s: unknown primitive %q", e.Pos, e.Name)
	}
	return fmt.Sprintf("unknown primitive %q", e.Name)
}

// ValidationError reports that an action's input failed its validity check.
type ValidationError struct {
	Action string
	Reason error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("action %s: validation failed: %v", e.Action, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// ExecutionError reports a domain failure inside a primitive's transform.
type ExecutionError struct {
	Action string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %s: %v", e.Action, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// LimitExceededError reports that the action-count safety valve tripped.
// Pending holds the queue as it was frozen.
type LimitExceededError struct {
	Limit   int
	Pending []*Action
}

func (e *LimitExceededError) Error() string {
	names := make([]string, 0, len(e.Pending))
	for i, a := range e.Pending {
		if i == 5 {
			names = append(names, fmt.Sprintf("... %d more", len(e.Pending)-i))
			break
		}
		names = append(names, a.String())
	}
	return fmt.Sprintf("action limit %d exceeded; %d pending [%s]", e.Limit, len(e.Pending), strings.Join(names, ", "))
}

// ExitSignal is returned by exit_loop to end the run normally.
type ExitSignal struct{}

func (ExitSignal) Error() string { return "pipeline exit" }
