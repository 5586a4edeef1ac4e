package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Arg is one argument of an action: either a literal fixed when the recipe
// was interpreted, or a reference to a context key resolved at dispatch.
type Arg struct {
	Value any
	Ref   string
}

// Lit returns a literal argument.
func Lit(v any) Arg { return Arg{Value: v} }

// Ref returns a late-bound argument naming a context key.
func Ref(name string) Arg { return Arg{Ref: name} }

// IsRef reports whether the argument is late-bound.
func (a Arg) IsRef() bool { return a.Ref != "" }

// Resolve returns the argument's value. A reference to a key that has not been
// written resolves to nil; the consuming primitive's validity check decides
// what that means.
func (a Arg) Resolve(pctx *ProcessingContext) any {
	if a.Ref == "" {
		return a.Value
	}
	v, _ := pctx.Get(a.Ref)
	return v
}

func (a Arg) String() string {
	if a.Ref != "" {
		return a.Ref
	}
	if s, ok := a.Value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", a.Value)
}

// Action is one queued invocation of a named primitive.
type Action struct {
	Primitive string
	Args      []Arg
	Kwargs    map[string]Arg
	// Outputs are the context keys the result is written to. "_" discards.
	Outputs  []string
	Priority int
	// Fatal failures abort the run; non-fatal ones are recorded and skipped.
	Fatal bool
	// Loop re-enqueues the action after each pass until Until holds. With
	// no Until the loop ends only when the primitive exits or the action
	// limit is reached.
	Loop  bool
	Until string
	// Pass counts completed passes of a looping action, starting at 0.
	Pass int
	// Pos is the recipe position the action came from, if any.
	Pos string
	// Seq is assigned by the queue on first push.
	Seq uint64
}

// NewAction returns a fatal, priority-0 action with literal positional args.
func NewAction(primitive string, args ...any) *Action {
	a := &Action{Primitive: primitive, Fatal: true}
	for _, v := range args {
		if arg, ok := v.(Arg); ok {
			a.Args = append(a.Args, arg)
			continue
		}
		a.Args = append(a.Args, Lit(v))
	}
	return a
}

// WithOutputs sets the output keys and returns a.
func (a *Action) WithOutputs(names ...string) *Action {
	a.Outputs = names
	return a
}

// WithKwarg adds a keyword argument and returns a.
func (a *Action) WithKwarg(name string, v any) *Action {
	if a.Kwargs == nil {
		a.Kwargs = make(map[string]Arg)
	}
	if arg, ok := v.(Arg); ok {
		a.Kwargs[name] = arg
	} else {
		a.Kwargs[name] = Lit(v)
	}
	return a
}

// Clone returns a copy sharing no slices or maps with a. Seq is reset.
func (a *Action) Clone() *Action {
	c := *a
	c.Args = slices.Clone(a.Args)
	c.Outputs = slices.Clone(a.Outputs)
	if a.Kwargs != nil {
		c.Kwargs = maps.Clone(a.Kwargs)
	}
	c.Seq = 0
	return &c
}

// Refs returns the context keys the action reads, in argument order.
func (a *Action) Refs() []string {
	var out []string
	for _, arg := range a.Args {
		if arg.IsRef() {
			out = append(out, arg.Ref)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(a.Kwargs)) {
		if a.Kwargs[k].IsRef() {
			out = append(out, a.Kwargs[k].Ref)
		}
	}
	return out
}

// Recurring reports whether the action is declared as a loop.
func (a *Action) Recurring() bool { return a.Loop || a.Until != "" }

// String renders the action in recipe form, e.g. "l1 = extract(l0, fiber="SCI")".
func (a *Action) String() string {
	parts := make([]string, 0, len(a.Args)+len(a.Kwargs))
	for _, arg := range a.Args {
		parts = append(parts, arg.String())
	}
	for _, k := range slices.Sorted(maps.Keys(a.Kwargs)) {
		parts = append(parts, k+"="+a.Kwargs[k].String())
	}
	call := a.Primitive + "(" + strings.Join(parts, ", ") + ")"
	if len(a.Outputs) == 0 {
		return call
	}
	return strings.Join(a.Outputs, ", ") + " = " + call
}

// resolve evaluates every argument against the context.
func (a *Action) resolve(pctx *ProcessingContext) Args {
	args := Args{Positional: make([]any, len(a.Args)), Keyword: make(map[string]any, len(a.Kwargs))}
	for i, arg := range a.Args {
		args.Positional[i] = arg.Resolve(pctx)
	}
	for k, arg := range a.Kwargs {
		args.Keyword[k] = arg.Resolve(pctx)
	}
	return args
}

// bind replaces the action's arguments with already-resolved values, used
// when a looping primitive hands new arguments to its next pass.
func (a *Action) bind(next *Args) {
	a.Args = make([]Arg, len(next.Positional))
	for i, v := range next.Positional {
		a.Args[i] = Lit(v)
	}
	a.Kwargs = make(map[string]Arg, len(next.Keyword))
	for k, v := range next.Keyword {
		a.Kwargs[k] = Lit(v)
	}
}
