package pipeline

import (
	"context"
	"fmt"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/dataproduct"
)

// Primitive is one processing step bound to its resolved arguments.
// Implementations live in the primitives sub-package; the interface is defined
// here so that Driver can use it without creating an import cycle.
type Primitive interface {
	// Valid checks the bound input. A nil error means the step may run.
	Valid() error
	// Perform executes the step and may read or write the context it was
	// constructed with. Return an ExitSignal error to end the run normally.
	Perform(ctx context.Context) (Result, error)
}

// Factory constructs a Primitive for one dispatch. Construction errors are
// reported as validation failures of the action.
type Factory func(pctx *ProcessingContext, inv *Invocation) (Primitive, error)

// Registry looks up primitive factories by name.
type Registry interface {
	Lookup(name string) (Factory, bool)
}

// Invocation is what a factory sees: the action being dispatched and its
// arguments resolved against the context.
type Invocation struct {
	Action *Action
	Args   Args
	Pass   int
}

// Result is the outcome of Perform.
type Result struct {
	// Value is written under the action's outputs. With several outputs it
	// must be a []any of the same length.
	Value any
	// Again asks the driver to re-enqueue the action for another pass.
	Again bool
	// Next, when set together with Again, replaces the arguments of the next
	// pass.
	Next *Args
	// Spawn is pushed onto the queue after this action completes. A spawned
	// action with Priority 0 inherits the parent's priority.
	Spawn []*Action
}

// Args holds resolved argument values.
type Args struct {
	Positional []any
	Keyword    map[string]any
}

// Get returns the keyword argument name if present, otherwise positional
// argument pos. pos < 0 means keyword only.
func (a Args) Get(pos int, name string) (any, bool) {
	if name != "" {
		if v, ok := a.Keyword[name]; ok {
			return v, true
		}
	}
	if pos >= 0 && pos < len(a.Positional) {
		return a.Positional[pos], true
	}
	return nil, false
}

// At returns positional argument i or nil.
func (a Args) At(i int) any {
	v, _ := a.Get(i, "")
	return v
}

// Kw returns keyword argument name or nil.
func (a Args) Kw(name string) any {
	v, _ := a.Get(-1, name)
	return v
}

// String returns a string argument, or def when absent.
func (a Args) String(pos int, name, def string) (string, error) {
	v, ok := a.Get(pos, name)
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", argTypeError(pos, name, "string", v)
	}
	return s, nil
}

// Int returns an integer argument, or def when absent. Integral floats are
// accepted.
func (a Args) Int(pos int, name string, def int) (int, error) {
	v, ok := a.Get(pos, name)
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, argTypeError(pos, name, "int", v)
}

// Float returns a numeric argument, or def when absent.
func (a Args) Float(pos int, name string, def float64) (float64, error) {
	v, ok := a.Get(pos, name)
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, argTypeError(pos, name, "float", v)
}

// Bool returns a boolean argument, or def when absent.
func (a Args) Bool(pos int, name string, def bool) (bool, error) {
	v, ok := a.Get(pos, name)
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, argTypeError(pos, name, "bool", v)
	}
	return b, nil
}

// Level0 returns a Level0 product argument. A missing or nil argument is an
// error so that validity checks can report it.
func (a Args) Level0(pos int, name string) (*dataproduct.Level0, error) {
	return productArg[*dataproduct.Level0](a, pos, name, dataproduct.Level0Tag)
}

// Level1 returns a Level1 product argument.
func (a Args) Level1(pos int, name string) (*dataproduct.Level1, error) {
	return productArg[*dataproduct.Level1](a, pos, name, dataproduct.Level1Tag)
}

// Level2 returns a Level2 product argument.
func (a Args) Level2(pos int, name string) (*dataproduct.Level2, error) {
	return productArg[*dataproduct.Level2](a, pos, name, dataproduct.Level2Tag)
}

func productArg[T dataproduct.Product](a Args, pos int, name string, level dataproduct.Level) (T, error) {
	var zero T
	v, ok := a.Get(pos, name)
	if !ok || v == nil {
		return zero, fmt.Errorf("%s: missing %s product", argLabel(pos, name), level)
	}
	p, ok := v.(T)
	if !ok {
		if other, isProduct := v.(dataproduct.Product); isProduct {
			return zero, fmt.Errorf("%s: want %s product, got %s", argLabel(pos, name), level, other.Level())
		}
		return zero, argTypeError(pos, name, level.String()+" product", v)
	}
	return p, nil
}

func argLabel(pos int, name string) string {
	if name != "" {
		return fmt.Sprintf("argument %q", name)
	}
	return fmt.Sprintf("argument %d", pos)
}

func argTypeError(pos int, name, want string, got any) error {
	return fmt.Errorf("%s: want %s, got %T", argLabel(pos, name), want, got)
}
