package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"go.starlark.net/syntax"
)

// Engine keywords accepted by every primitive call. They configure the action
// and are not passed to the primitive.
const (
	kwPriority = "_priority"
	kwFatal    = "_fatal"
	kwLoop     = "_loop"
	kwUntil    = "_until"
)

const subrecipeFunc = "invoke_subrecipe"

// lateValue stands for the output of a primitive call, known only once the
// producing action has run.
type lateValue struct{ key string }

var (
	errBreak    = errors.New("break")
	errContinue = errors.New("continue")
)

// Top-level if and for are ordinary recipe statements.
var parseOptions = &syntax.FileOptions{TopLevelControl: true, GlobalReassign: true}

// interp is the state of one Interpret call. Sub-recipes share it, so they
// see and bind the same names.
type interp struct {
	in       *Interpreter
	vars     map[string]any
	prims    map[string]string // local name -> registered primitive
	declared []string
	actions  []*Action
	depth    int
	loops    int
	dir      string
}

func (st *interp) file(filename string, src []byte) error {
	f, err := parseOptions.Parse(filename, src, 0)
	if err != nil {
		var serr syntax.Error
		if errors.As(err, &serr) {
			return &ParseError{Pos: serr.Pos.String(), Msg: serr.Msg, Err: err}
		}
		return &ParseError{Pos: filename, Msg: err.Error(), Err: err}
	}
	prevDir := st.dir
	st.dir = filepath.Dir(filename)
	defer func() { st.dir = prevDir }()
	return st.stmts(f.Stmts)
}

func pos(n syntax.Node) string {
	start, _ := n.Span()
	return start.String()
}

func (st *interp) errorf(n syntax.Node, format string, args ...any) error {
	return &ParseError{Pos: pos(n), Msg: fmt.Sprintf(format, args...)}
}

func (st *interp) stmts(list []syntax.Stmt) error {
	for _, s := range list {
		if err := st.stmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (st *interp) stmt(s syntax.Stmt) error {
	switch s := s.(type) {
	case *syntax.LoadStmt:
		return st.load(s)
	case *syntax.AssignStmt:
		return st.assign(s)
	case *syntax.ExprStmt:
		return st.exprStmt(s)
	case *syntax.ForStmt:
		return st.forStmt(s)
	case *syntax.IfStmt:
		cond, err := st.evalStatic(s.Cond)
		if err != nil {
			return err
		}
		if truth(cond) {
			return st.stmts(s.True)
		}
		return st.stmts(s.False)
	case *syntax.BranchStmt:
		switch s.Token {
		case syntax.PASS:
			return nil
		case syntax.BREAK, syntax.CONTINUE:
			if st.loops == 0 {
				return st.errorf(s, "%s outside loop", s.Token)
			}
			if s.Token == syntax.BREAK {
				return errBreak
			}
			return errContinue
		}
	case *syntax.WhileStmt:
		return st.errorf(s, "while loops are not supported; use %s or %s on a primitive call", kwLoop, kwUntil)
	case *syntax.DefStmt:
		return st.errorf(s, "function definitions are not supported")
	case *syntax.ReturnStmt:
		return st.errorf(s, "return outside function")
	}
	return st.errorf(s, "unsupported statement %T", s)
}

// load declares primitives: load("module", "prim", alias="prim").
func (st *interp) load(s *syntax.LoadStmt) error {
	for i, local := range s.To {
		name := s.From[i].Name
		if _, ok := st.in.Registry.Lookup(name); !ok {
			return &UnknownPrimitiveError{Name: name, Pos: pos(s.From[i])}
		}
		st.prims[local.Name] = name
		st.declared = append(st.declared, name)
	}
	return nil
}

func (st *interp) assign(s *syntax.AssignStmt) error {
	targets, err := st.targets(s.LHS)
	if err != nil {
		return err
	}
	if s.Op != syntax.EQ {
		op, ok := augmented[s.Op]
		if !ok || len(targets) != 1 {
			return st.errorf(s, "unsupported assignment %s", s.Op)
		}
		cur, err := st.evalStatic(s.LHS)
		if err != nil {
			return err
		}
		rhs, err := st.evalStatic(s.RHS)
		if err != nil {
			return err
		}
		v, err := st.binary(s, op, cur, rhs)
		if err != nil {
			return err
		}
		return st.bind(s, targets, v)
	}

	if call, ok := s.RHS.(*syntax.CallExpr); ok {
		if prim, ok := st.primitive(call); ok {
			a, err := st.action(prim, call)
			if err != nil {
				return err
			}
			a.Outputs = targets
			st.actions = append(st.actions, a)
			for _, t := range targets {
				if t != "_" {
					st.vars[t] = lateValue{key: t}
				}
			}
			return nil
		}
	}
	v, err := st.eval(s.RHS)
	if err != nil {
		return err
	}
	if lv, ok := v.(lateValue); ok && len(targets) > 1 {
		return st.errorf(s, "cannot unpack %q: its value is only known when the pipeline runs", lv.key)
	}
	return st.bind(s, targets, v)
}

var augmented = map[syntax.Token]syntax.Token{
	syntax.PLUS_EQ:       syntax.PLUS,
	syntax.MINUS_EQ:      syntax.MINUS,
	syntax.STAR_EQ:       syntax.STAR,
	syntax.SLASH_EQ:      syntax.SLASH,
	syntax.SLASHSLASH_EQ: syntax.SLASHSLASH,
	syntax.PERCENT_EQ:    syntax.PERCENT,
}

// targets returns the names assigned by an assignment or for statement.
func (st *interp) targets(e syntax.Expr) ([]string, error) {
	switch e := e.(type) {
	case *syntax.Ident:
		return []string{e.Name}, nil
	case *syntax.ParenExpr:
		return st.targets(e.X)
	case *syntax.TupleExpr:
		return st.targetList(e.List)
	case *syntax.ListExpr:
		return st.targetList(e.List)
	}
	return nil, st.errorf(e, "cannot assign to %T", e)
}

func (st *interp) targetList(list []syntax.Expr) ([]string, error) {
	var out []string
	for _, item := range list {
		id, ok := item.(*syntax.Ident)
		if !ok {
			return nil, st.errorf(item, "cannot assign to %T", item)
		}
		out = append(out, id.Name)
	}
	return out, nil
}

func (st *interp) bind(n syntax.Node, targets []string, v any) error {
	if len(targets) == 1 {
		if targets[0] != "_" {
			st.vars[targets[0]] = v
		}
		return nil
	}
	values, ok := v.([]any)
	if !ok {
		return st.errorf(n, "cannot unpack %s into %d names", typeName(v), len(targets))
	}
	if len(values) != len(targets) {
		return st.errorf(n, "cannot unpack %d values into %d names", len(values), len(targets))
	}
	for i, t := range targets {
		if t != "_" {
			st.vars[t] = values[i]
		}
	}
	return nil
}

func (st *interp) exprStmt(s *syntax.ExprStmt) error {
	call, ok := s.X.(*syntax.CallExpr)
	if !ok {
		_, err := st.evalStatic(s.X)
		return err
	}
	if id, ok := call.Fn.(*syntax.Ident); ok && id.Name == subrecipeFunc {
		if _, shadowed := st.vars[subrecipeFunc]; !shadowed {
			return st.subrecipe(call)
		}
	}
	if prim, ok := st.primitive(call); ok {
		a, err := st.action(prim, call)
		if err != nil {
			return err
		}
		st.actions = append(st.actions, a)
		return nil
	}
	_, err := st.evalStatic(call)
	return err
}

func (st *interp) forStmt(s *syntax.ForStmt) error {
	seq, err := st.evalStatic(s.X)
	if err != nil {
		return err
	}
	items, err := st.iterable(s.X, seq)
	if err != nil {
		return err
	}
	targets, err := st.targets(s.Vars)
	if err != nil {
		return err
	}
	st.loops++
	defer func() { st.loops-- }()
	for _, item := range items {
		if err := st.bind(s, targets, item); err != nil {
			return err
		}
		err := st.stmts(s.Body)
		switch {
		case errors.Is(err, errBreak):
			return nil
		case errors.Is(err, errContinue):
			continue
		case err != nil:
			return err
		}
	}
	return nil
}

func (st *interp) iterable(n syntax.Node, v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case map[string]any:
		keys := slices.Sorted(maps.Keys(x))
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	}
	return nil, st.errorf(n, "cannot iterate over %s", typeName(v))
}

// subrecipe inlines another recipe file. Relative paths are taken from the
// including recipe's directory.
func (st *interp) subrecipe(call *syntax.CallExpr) error {
	if len(call.Args) != 1 {
		return st.errorf(call, "%s() takes exactly one path argument", subrecipeFunc)
	}
	v, err := st.evalStatic(call.Args[0])
	if err != nil {
		return err
	}
	path, ok := v.(string)
	if !ok {
		return st.errorf(call, "%s(): want string path, got %s", subrecipeFunc, typeName(v))
	}
	if st.depth >= maxSubrecipeDepth {
		return st.errorf(call, "sub-recipes nested deeper than %d", maxSubrecipeDepth)
	}
	if !filepath.IsAbs(path) && st.dir != "" {
		path = filepath.Join(st.dir, path)
	}
	src, err := st.in.readFile(path)
	if err != nil {
		return &ParseError{Pos: pos(call), Msg: fmt.Sprintf("%s(%q): %v", subrecipeFunc, path, err), Err: err}
	}
	st.depth++
	defer func() { st.depth-- }()
	return st.file(path, src)
}

// primitive reports whether call invokes a registered primitive. Names from
// load() take precedence; builtins and recipe variables shadow the registry.
func (st *interp) primitive(call *syntax.CallExpr) (string, bool) {
	id, ok := call.Fn.(*syntax.Ident)
	if !ok {
		return "", false
	}
	if name, ok := st.prims[id.Name]; ok {
		return name, true
	}
	if _, ok := builtins[id.Name]; ok {
		return "", false
	}
	if _, ok := st.vars[id.Name]; ok {
		return "", false
	}
	if _, ok := st.in.Registry.Lookup(id.Name); ok {
		return id.Name, true
	}
	return "", false
}

// action builds the action for a primitive call.
func (st *interp) action(prim string, call *syntax.CallExpr) (*Action, error) {
	a := &Action{Primitive: prim, Fatal: true, Pos: pos(call)}
	for _, arg := range call.Args {
		if u, ok := arg.(*syntax.UnaryExpr); ok && (u.Op == syntax.STAR || u.Op == syntax.STARSTAR) {
			return nil, st.errorf(arg, "%s arguments are not supported", u.Op)
		}
		kw, ok := arg.(*syntax.BinaryExpr)
		if !ok || kw.Op != syntax.EQ {
			if len(a.Kwargs) > 0 {
				return nil, st.errorf(arg, "positional argument follows keyword argument")
			}
			v, err := st.arg(arg)
			if err != nil {
				return nil, err
			}
			a.Args = append(a.Args, v)
			continue
		}
		name := kw.X.(*syntax.Ident).Name
		if strings.HasPrefix(name, "_") {
			if err := st.engineKeyword(a, name, kw.Y); err != nil {
				return nil, err
			}
			continue
		}
		v, err := st.arg(kw.Y)
		if err != nil {
			return nil, err
		}
		if a.Kwargs == nil {
			a.Kwargs = make(map[string]Arg)
		}
		if _, dup := a.Kwargs[name]; dup {
			return nil, st.errorf(arg, "keyword argument %q repeated", name)
		}
		a.Kwargs[name] = v
	}
	if a.Until != "" {
		a.Loop = true
	}
	return a, nil
}

func (st *interp) engineKeyword(a *Action, name string, e syntax.Expr) error {
	v, err := st.evalStatic(e)
	if err != nil {
		return err
	}
	var ok bool
	switch name {
	case kwPriority:
		a.Priority, ok = v.(int)
	case kwFatal:
		a.Fatal, ok = v.(bool)
	case kwLoop:
		a.Loop, ok = v.(bool)
	case kwUntil:
		a.Until, ok = v.(string)
		if ok {
			if _, err := EvalCondition(a.Until, nil); err != nil {
				return st.errorf(e, "%s: %v", kwUntil, err)
			}
		}
	default:
		return st.errorf(e, "unknown engine keyword %q", name)
	}
	if !ok {
		return st.errorf(e, "%s: unexpected %s value", name, typeName(v))
	}
	return nil
}

// arg converts an argument expression: a name bound to a primitive output
// becomes a late-bound reference, anything else must be known now.
func (st *interp) arg(e syntax.Expr) (Arg, error) {
	v, err := st.eval(e)
	if err != nil {
		return Arg{}, err
	}
	if lv, ok := v.(lateValue); ok {
		return Ref(lv.key), nil
	}
	if err := st.static(e, v); err != nil {
		return Arg{}, err
	}
	return Lit(v), nil
}

// static rejects values that contain primitive outputs.
func (st *interp) static(n syntax.Node, vals ...any) error {
	for _, v := range vals {
		switch x := v.(type) {
		case lateValue:
			return st.errorf(n, "%q is a primitive output, only known when the pipeline runs", x.key)
		case []any:
			if err := st.static(n, x...); err != nil {
				return err
			}
		case map[string]any:
			for _, item := range x {
				if err := st.static(n, item); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (st *interp) evalStatic(e syntax.Expr) (any, error) {
	v, err := st.eval(e)
	if err != nil {
		return nil, err
	}
	if err := st.static(e, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (st *interp) eval(e syntax.Expr) (any, error) {
	switch e := e.(type) {
	case *syntax.Literal:
		switch v := e.Value.(type) {
		case string:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			return v, nil
		}
		return nil, st.errorf(e, "unsupported literal %s", e.Raw)
	case *syntax.Ident:
		return st.ident(e)
	case *syntax.ParenExpr:
		return st.eval(e.X)
	case *syntax.ListExpr:
		return st.list(e.List)
	case *syntax.TupleExpr:
		return st.list(e.List)
	case *syntax.DictExpr:
		out := make(map[string]any, len(e.List))
		for _, item := range e.List {
			entry := item.(*syntax.DictEntry)
			k, err := st.evalStatic(entry.Key)
			if err != nil {
				return nil, err
			}
			key, ok := k.(string)
			if !ok {
				return nil, st.errorf(entry, "dict keys must be strings, got %s", typeName(k))
			}
			v, err := st.eval(entry.Value)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil
	case *syntax.DotExpr:
		x, err := st.evalStatic(e.X)
		if err != nil {
			return nil, err
		}
		m, ok := x.(map[string]any)
		if !ok {
			return nil, st.errorf(e, "%s has no attribute %q", typeName(x), e.Name.Name)
		}
		v, ok := lookupFold(m, e.Name.Name)
		if !ok {
			return nil, st.errorf(e, "no attribute %q", e.Name.Name)
		}
		return v, nil
	case *syntax.IndexExpr:
		return st.index(e)
	case *syntax.SliceExpr:
		return st.slice(e)
	case *syntax.UnaryExpr:
		x, err := st.evalStatic(e.X)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case syntax.NOT:
			return !truth(x), nil
		case syntax.MINUS:
			return arith("-", 0, x)
		case syntax.PLUS:
			return arith("+", 0, x)
		}
		return nil, st.errorf(e, "unsupported unary operator %s", e.Op)
	case *syntax.BinaryExpr:
		if e.Op == syntax.AND || e.Op == syntax.OR {
			x, err := st.evalStatic(e.X)
			if err != nil {
				return nil, err
			}
			if truth(x) == (e.Op == syntax.OR) {
				return x, nil
			}
			return st.evalStatic(e.Y)
		}
		x, err := st.evalStatic(e.X)
		if err != nil {
			return nil, err
		}
		y, err := st.evalStatic(e.Y)
		if err != nil {
			return nil, err
		}
		return st.binary(e, e.Op, x, y)
	case *syntax.CondExpr:
		c, err := st.evalStatic(e.Cond)
		if err != nil {
			return nil, err
		}
		if truth(c) {
			return st.eval(e.True)
		}
		return st.eval(e.False)
	case *syntax.CallExpr:
		return st.call(e)
	case *syntax.Comprehension:
		return st.comprehension(e)
	}
	return nil, st.errorf(e, "unsupported expression %T", e)
}

func (st *interp) ident(e *syntax.Ident) (any, error) {
	switch e.Name {
	case "True":
		return true, nil
	case "False":
		return false, nil
	case "None":
		return nil, nil
	}
	if v, ok := st.vars[e.Name]; ok {
		return v, nil
	}
	if e.Name == "config" {
		if st.in.Config == nil {
			return map[string]any{}, nil
		}
		return st.in.Config, nil
	}
	if v, ok := st.in.lookupEnv(e.Name); ok {
		return v, nil
	}
	return nil, st.errorf(e, "name %q is not defined", e.Name)
}

func lookupFold(m map[string]any, name string) (any, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func (st *interp) list(items []syntax.Expr) (any, error) {
	out := make([]any, 0, len(items))
	for _, item := range items {
		v, err := st.eval(item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (st *interp) binary(n syntax.Node, op syntax.Token, x, y any) (any, error) {
	switch op {
	case syntax.EQL:
		return equal(x, y), nil
	case syntax.NEQ:
		return !equal(x, y), nil
	case syntax.LT, syntax.GT, syntax.LE, syntax.GE:
		c, err := compare(x, y)
		if err != nil {
			return nil, st.errorf(n, "%v", err)
		}
		switch op {
		case syntax.LT:
			return c < 0, nil
		case syntax.GT:
			return c > 0, nil
		case syntax.LE:
			return c <= 0, nil
		default:
			return c >= 0, nil
		}
	case syntax.IN, syntax.NOT_IN:
		in, err := contains(y, x)
		if err != nil {
			return nil, st.errorf(n, "%v", err)
		}
		return in == (op == syntax.IN), nil
	case syntax.PLUS:
		if xs, ok := x.(string); ok {
			ys, ok := y.(string)
			if !ok {
				return nil, st.errorf(n, "cannot concatenate string and %s", typeName(y))
			}
			return xs + ys, nil
		}
		if xl, ok := x.([]any); ok {
			yl, ok := y.([]any)
			if !ok {
				return nil, st.errorf(n, "cannot concatenate list and %s", typeName(y))
			}
			return append(slices.Clone(xl), yl...), nil
		}
	case syntax.PERCENT:
		if format, ok := x.(string); ok {
			s, err := percentFormat(format, y)
			if err != nil {
				return nil, st.errorf(n, "%v", err)
			}
			return s, nil
		}
	}
	ops := map[syntax.Token]string{
		syntax.PLUS: "+", syntax.MINUS: "-", syntax.STAR: "*",
		syntax.SLASH: "/", syntax.SLASHSLASH: "//", syntax.PERCENT: "%",
	}
	sym, ok := ops[op]
	if !ok {
		return nil, st.errorf(n, "unsupported operator %s", op)
	}
	v, err := arith(sym, x, y)
	if err != nil {
		return nil, st.errorf(n, "%v", err)
	}
	return v, nil
}

func compare(x, y any) (int, error) {
	if a, ok := asFloat(x); ok {
		if b, ok := asFloat(y); ok {
			switch {
			case a < b:
				return -1, nil
			case a > b:
				return 1, nil
			}
			return 0, nil
		}
	}
	if a, ok := x.(string); ok {
		if b, ok := y.(string); ok {
			return strings.Compare(a, b), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %s and %s", typeName(x), typeName(y))
}

func contains(container, item any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, v := range c {
			if equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		k, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, found := c[k]
		return found, nil
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("'in <string>' requires string as left operand, not %s", typeName(item))
		}
		return strings.Contains(c, s), nil
	}
	return false, fmt.Errorf("argument of type %s is not iterable", typeName(container))
}

func (st *interp) index(e *syntax.IndexExpr) (any, error) {
	x, err := st.evalStatic(e.X)
	if err != nil {
		return nil, err
	}
	k, err := st.evalStatic(e.Y)
	if err != nil {
		return nil, err
	}
	switch c := x.(type) {
	case map[string]any:
		key, ok := k.(string)
		if !ok {
			return nil, st.errorf(e, "dict index must be a string, got %s", typeName(k))
		}
		v, ok := c[key]
		if !ok {
			return nil, st.errorf(e, "key %q not found", key)
		}
		return v, nil
	case []any, string:
		i, ok := k.(int)
		if !ok {
			return nil, st.errorf(e, "index must be an int, got %s", typeName(k))
		}
		n := length(c)
		if i < 0 {
			i += n
		}
		if i < 0 || i >= n {
			return nil, st.errorf(e, "index %d out of range [0:%d]", i, n)
		}
		if s, ok := c.(string); ok {
			return s[i : i+1], nil
		}
		return c.([]any)[i], nil
	}
	return nil, st.errorf(e, "%s is not indexable", typeName(x))
}

func (st *interp) slice(e *syntax.SliceExpr) (any, error) {
	if e.Step != nil {
		return nil, st.errorf(e, "slice steps are not supported")
	}
	x, err := st.evalStatic(e.X)
	if err != nil {
		return nil, err
	}
	if _, ok := x.([]any); !ok {
		if _, ok := x.(string); !ok {
			return nil, st.errorf(e, "%s cannot be sliced", typeName(x))
		}
	}
	n := length(x)
	bound := func(b syntax.Expr, def int) (int, error) {
		if b == nil {
			return def, nil
		}
		v, err := st.evalStatic(b)
		if err != nil {
			return 0, err
		}
		i, ok := v.(int)
		if !ok {
			return 0, st.errorf(b, "slice index must be an int, got %s", typeName(v))
		}
		if i < 0 {
			i += n
		}
		return min(max(i, 0), n), nil
	}
	lo, err := bound(e.Lo, 0)
	if err != nil {
		return nil, err
	}
	hi, err := bound(e.Hi, n)
	if err != nil {
		return nil, err
	}
	hi = max(hi, lo)
	if s, ok := x.(string); ok {
		return s[lo:hi], nil
	}
	return slices.Clone(x.([]any)[lo:hi]), nil
}

func length(v any) int {
	switch x := v.(type) {
	case string:
		return len(x)
	case []any:
		return len(x)
	}
	return 0
}

func (st *interp) call(e *syntax.CallExpr) (any, error) {
	if dot, ok := e.Fn.(*syntax.DotExpr); ok {
		recv, err := st.evalStatic(dot.X)
		if err != nil {
			return nil, err
		}
		s, ok := recv.(string)
		if !ok {
			return nil, st.errorf(e, "%s has no method %q", typeName(recv), dot.Name.Name)
		}
		args, _, err := st.callArgs(e)
		if err != nil {
			return nil, err
		}
		v, err := stringMethod(s, dot.Name.Name, args)
		if err != nil {
			return nil, st.errorf(e, "%v", err)
		}
		return v, nil
	}
	id, ok := e.Fn.(*syntax.Ident)
	if !ok {
		return nil, st.errorf(e, "unsupported call target %T", e.Fn)
	}
	if _, ok := st.primitive(e); ok || id.Name == subrecipeFunc {
		return nil, st.errorf(e, "%s() must be called as a statement or assigned to names", id.Name)
	}
	fn, ok := builtins[id.Name]
	if !ok {
		if _, isVar := st.vars[id.Name]; isVar {
			return nil, st.errorf(e, "%q is not callable", id.Name)
		}
		return nil, &UnknownPrimitiveError{Name: id.Name, Pos: pos(e)}
	}
	args, kwargs, err := st.callArgs(e)
	if err != nil {
		return nil, err
	}
	v, err := fn(args, kwargs)
	if err != nil {
		return nil, st.errorf(e, "%v", err)
	}
	return v, nil
}

func (st *interp) callArgs(e *syntax.CallExpr) ([]any, map[string]any, error) {
	var args []any
	kwargs := make(map[string]any)
	for _, arg := range e.Args {
		if kw, ok := arg.(*syntax.BinaryExpr); ok && kw.Op == syntax.EQ {
			v, err := st.evalStatic(kw.Y)
			if err != nil {
				return nil, nil, err
			}
			kwargs[kw.X.(*syntax.Ident).Name] = v
			continue
		}
		if u, ok := arg.(*syntax.UnaryExpr); ok && (u.Op == syntax.STAR || u.Op == syntax.STARSTAR) {
			return nil, nil, st.errorf(arg, "%s arguments are not supported", u.Op)
		}
		v, err := st.evalStatic(arg)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, v)
	}
	return args, kwargs, nil
}

// comprehension evaluates [body for x in seq if cond]. Loop names do not
// leak into the recipe.
func (st *interp) comprehension(e *syntax.Comprehension) (any, error) {
	if e.Curly {
		return nil, st.errorf(e, "dict and set comprehensions are not supported")
	}
	saved := maps.Clone(st.vars)
	defer func() { st.vars = saved }()

	out := []any{}
	var walk func(i int) error
	walk = func(i int) error {
		if i == len(e.Clauses) {
			v, err := st.evalStatic(e.Body)
			if err != nil {
				return err
			}
			out = append(out, v)
			return nil
		}
		switch c := e.Clauses[i].(type) {
		case *syntax.ForClause:
			seq, err := st.evalStatic(c.X)
			if err != nil {
				return err
			}
			items, err := st.iterable(c.X, seq)
			if err != nil {
				return err
			}
			targets, err := st.targets(c.Vars)
			if err != nil {
				return err
			}
			for _, item := range items {
				if err := st.bind(c, targets, item); err != nil {
					return err
				}
				if err := walk(i + 1); err != nil {
					return err
				}
			}
		case *syntax.IfClause:
			cond, err := st.evalStatic(c.Cond)
			if err != nil {
				return err
			}
			if truth(cond) {
				return walk(i + 1)
			}
		}
		return nil
	}
	if err := walk(0); err != nil {
		return nil, err
	}
	return out, nil
}
