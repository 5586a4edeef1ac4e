package pipeline

import (
	"fmt"
	"strings"
)

// exitPrimitive is the name of the primitive that ends a run on request.
const exitPrimitive = "exit_loop"

// LintError describes a structural problem in an action plan. Lint findings
// are advisory: a recipe that interprets cleanly may still run.
type LintError struct {
	Action  string
	Message string
}

func (e LintError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("action %s: %s", e.Action, e.Message)
	}
	return e.Message
}

// LintRecipe checks an interpreted recipe for problems the interpreter does
// not reject. reg may be nil to skip registry checks. Keys already present in
// seed (typically the initial processing context) count as produced.
func LintRecipe(r *Recipe, reg Registry, seed []string) []LintError {
	var errs []LintError
	produced := make(map[string]bool, len(seed))
	for _, k := range seed {
		produced[k] = true
	}
	label := func(i int, a *Action) string {
		if a.Pos != "" {
			return fmt.Sprintf("#%d (%s)", i+1, a.Pos)
		}
		return fmt.Sprintf("#%d", i+1)
	}

	exitAt := -1
	for i, a := range r.Actions {
		id := label(i, a)

		if reg != nil {
			if _, ok := reg.Lookup(a.Primitive); !ok {
				errs = append(errs, LintError{Action: id, Message: fmt.Sprintf("unknown primitive %q", a.Primitive)})
			}
		}

		for _, ref := range a.Refs() {
			if !produced[ref] && !strings.HasPrefix(ref, configPrefix) {
				errs = append(errs, LintError{Action: id, Message: fmt.Sprintf("reads %q before any action produces it", ref)})
			}
		}

		seen := make(map[string]bool, len(a.Outputs))
		for _, out := range a.Outputs {
			if out == "_" {
				continue
			}
			if seen[out] {
				errs = append(errs, LintError{Action: id, Message: fmt.Sprintf("output %q assigned twice", out)})
			}
			seen[out] = true
		}

		if a.Until != "" {
			keys, err := ConditionKeys(a.Until)
			if err != nil {
				errs = append(errs, LintError{Action: id, Message: err.Error()})
			}
			for _, k := range keys {
				if !produced[k] && !seen[k] && !strings.HasPrefix(k, configPrefix) {
					errs = append(errs, LintError{Action: id, Message: fmt.Sprintf("stop condition reads %q, which no earlier action produces", k)})
				}
			}
		} else if a.Loop {
			errs = append(errs, LintError{Action: id, Message: "loop without a stop condition; only the primitive or the action limit ends it"})
		}

		if exitAt >= 0 && a.Priority >= r.Actions[exitAt].Priority {
			errs = append(errs, LintError{Action: id, Message: fmt.Sprintf("unreachable: queued after %s at action %s", exitPrimitive, label(exitAt, r.Actions[exitAt]))})
		}
		if a.Primitive == exitPrimitive && exitAt < 0 {
			exitAt = i
		}

		for k := range seen {
			produced[k] = true
		}
	}
	return errs
}
