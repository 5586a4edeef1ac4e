package primitives

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

// ─── set ─────────────────────────────────────────────────────────────────────

// setStep stores a value under a context key and yields it.
type setStep struct {
	key   string
	value any
	pctx  *pipeline.ProcessingContext
	err   error
}

func newSet(pctx *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
	key, err := inv.Args.String(0, "key", "")
	value, _ := inv.Args.Get(1, "value")
	return &setStep{key: key, value: value, pctx: pctx, err: err}, nil
}

func (p *setStep) Valid() error {
	if p.err != nil {
		return p.err
	}
	if p.key == "" {
		return fmt.Errorf("set: missing key")
	}
	return nil
}

func (p *setStep) Perform(_ context.Context) (pipeline.Result, error) {
	if p.key == "" {
		return pipeline.Result{}, fmt.Errorf("set: missing key")
	}
	p.pctx.Set(p.key, p.value)
	return pipeline.Result{Value: p.value}, nil
}

// ─── increment ───────────────────────────────────────────────────────────────

// incrementStep adds by (default 1) to an integer counter in the context. A
// missing key counts from zero.
type incrementStep struct {
	key  string
	by   int
	pctx *pipeline.ProcessingContext
	err  error
}

func newIncrement(pctx *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
	p := &incrementStep{pctx: pctx}
	var errs [2]error
	p.key, errs[0] = inv.Args.String(0, "key", "")
	p.by, errs[1] = inv.Args.Int(1, "by", 1)
	p.err = firstErr(errs[:]...)
	return p, nil
}

func (p *incrementStep) current() (int, error) {
	v, ok := p.pctx.Get(p.key)
	if !ok || v == nil {
		return 0, nil
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
	return 0, fmt.Errorf("increment: %s holds %T, not a counter", p.key, v)
}

func (p *incrementStep) Valid() error {
	if p.err != nil {
		return p.err
	}
	if p.key == "" {
		return fmt.Errorf("increment: missing key")
	}
	_, err := p.current()
	return err
}

func (p *incrementStep) Perform(_ context.Context) (pipeline.Result, error) {
	n, err := p.current()
	if err != nil {
		return pipeline.Result{}, err
	}
	n += p.by
	p.pctx.Set(p.key, n)
	return pipeline.Result{Value: n}, nil
}

// ─── assert ──────────────────────────────────────────────────────────────────

// assertStep evaluates a condition expression against the processing
// context and fails the action if it is false.
type assertStep struct {
	expr    string
	message string
	pctx    *pipeline.ProcessingContext
	err     error
}

func newAssert(pctx *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
	p := &assertStep{pctx: pctx}
	var errs [2]error
	p.expr, errs[0] = inv.Args.String(0, "expr", "")
	p.message, errs[1] = inv.Args.String(1, "message", "assertion failed")
	p.err = firstErr(errs[:]...)
	return p, nil
}

func (p *assertStep) Valid() error {
	if p.err != nil {
		return p.err
	}
	if p.expr == "" {
		return fmt.Errorf("assert: missing required expression")
	}
	if _, err := pipeline.ConditionKeys(p.expr); err != nil {
		return fmt.Errorf("assert: %w", err)
	}
	return nil
}

func (p *assertStep) Perform(_ context.Context) (pipeline.Result, error) {
	ok, err := pipeline.EvalCondition(p.expr, p.pctx.Snapshot())
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("assert: eval condition: %w", err)
	}
	if !ok {
		return pipeline.Result{}, fmt.Errorf("assert: %s: expr=%q", p.message, p.expr)
	}
	return pipeline.Result{Value: true}, nil
}

// ─── for_each ────────────────────────────────────────────────────────────────

// forEach fans a primitive out over a list: one action per item, queued
// behind the current one, with the item as first argument followed by any
// extra arguments. With output_prefix the i-th action writes
// <output_prefix>_<i> and the list of those keys is the result.
type forEach struct {
	reg       *Registry
	parent    *pipeline.Action
	items     []any
	primitive string
	extra     []any
	kwargs    map[string]any
	prefix    string
	err       error
}

func (r *Registry) newForEach(_ *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
	p := &forEach{reg: r, parent: inv.Action}
	switch items := inv.Args.At(0).(type) {
	case []any:
		p.items = items
	case nil:
		p.err = fmt.Errorf("for_each: missing items")
	default:
		p.err = fmt.Errorf("for_each: items must be a list, got %T", items)
	}
	prim, err := inv.Args.String(1, "", "")
	if p.err == nil {
		p.err = err
	}
	p.primitive = prim
	if len(inv.Args.Positional) > 2 {
		p.extra = inv.Args.Positional[2:]
	}
	p.kwargs = maps.Clone(inv.Args.Keyword)
	delete(p.kwargs, "output_prefix")
	prefix, err := inv.Args.String(-1, "output_prefix", "")
	if p.err == nil {
		p.err = err
	}
	p.prefix = prefix
	return p, nil
}

func (p *forEach) Valid() error {
	if p.err != nil {
		return p.err
	}
	if p.primitive == "" {
		return fmt.Errorf("for_each: missing primitive name")
	}
	if _, ok := p.reg.Lookup(p.primitive); !ok {
		return &pipeline.UnknownPrimitiveError{Name: p.primitive, Pos: p.parent.Pos}
	}
	return nil
}

func (p *forEach) Perform(_ context.Context) (pipeline.Result, error) {
	res := pipeline.Result{}
	var keys []any
	for i, item := range p.items {
		args := append([]any{item}, p.extra...)
		a := pipeline.NewAction(p.primitive, args...)
		for k, v := range p.kwargs {
			a.WithKwarg(k, v)
		}
		a.Fatal = p.parent.Fatal
		a.Pos = p.parent.Pos
		if p.prefix != "" {
			key := fmt.Sprintf("%s_%d", p.prefix, i)
			a.WithOutputs(key)
			keys = append(keys, key)
		}
		res.Spawn = append(res.Spawn, a)
	}
	if keys == nil {
		keys = []any{}
	}
	res.Value = keys
	return res, nil
}

// ─── exit_loop ───────────────────────────────────────────────────────────────

// exitStep ends the run normally. Actions still queued are not dispatched.
type exitStep struct {
	pctx *pipeline.ProcessingContext
}

func newExit(pctx *pipeline.ProcessingContext, _ *pipeline.Invocation) (pipeline.Primitive, error) {
	return &exitStep{pctx: pctx}, nil
}

func (p *exitStep) Valid() error { return nil }

func (p *exitStep) Perform(_ context.Context) (pipeline.Result, error) {
	p.pctx.Set("exit_time", time.Now().UTC().Format(time.RFC3339))
	return pipeline.Result{}, pipeline.ExitSignal{}
}
