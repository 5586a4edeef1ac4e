package primitives

import (
	"fmt"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

// options merges a primitive's call arguments over its module configuration
// (config.modules.<name>). Keyword arguments win.
type options struct {
	name   string
	args   pipeline.Args
	module map[string]any
}

func newOptions(pctx *pipeline.ProcessingContext, inv *pipeline.Invocation) options {
	return options{name: inv.Action.Primitive, args: inv.Args, module: pctx.ModuleConfig(inv.Action.Primitive)}
}

// floatOpt returns keyword key, module option key, or def.
func (o options) floatOpt(key string, def float64) (float64, error) {
	if _, ok := o.args.Get(-1, key); ok {
		return o.args.Float(-1, key, def)
	}
	v, ok := o.module[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%s: option %s: want number, got %T", o.name, key, v)
}

// intOpt returns keyword key, module option key, or def.
func (o options) intOpt(key string, def int) (int, error) {
	if _, ok := o.args.Get(-1, key); ok {
		return o.args.Int(-1, key, def)
	}
	v, ok := o.module[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("%s: option %s: want integer, got %v", o.name, key, v)
}

// stringOpt returns keyword key, module option key, or def.
func (o options) stringOpt(key, def string) (string, error) {
	if _, ok := o.args.Get(-1, key); ok {
		return o.args.String(-1, key, def)
	}
	v, ok := o.module[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: option %s: want string, got %T", o.name, key, v)
	}
	return s, nil
}
