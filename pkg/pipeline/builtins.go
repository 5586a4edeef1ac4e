package pipeline

import (
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// builtin is a recipe function evaluated while the recipe is interpreted.
type builtin func(args []any, kwargs map[string]any) (any, error)

var builtins = map[string]builtin{
	"int":        builtinInt,
	"float":      builtinFloat,
	"str":        builtinStr,
	"bool":       builtinBool,
	"len":        builtinLen,
	"range":      builtinRange,
	"find_files": builtinFindFiles,
	"split": pathFunc(func(p string) any {
		dir, file := filepath.Split(p)
		return []any{strings.TrimSuffix(dir, "/"), file}
	}),
	"splitext": pathFunc(func(p string) any {
		ext := filepath.Ext(p)
		return []any{strings.TrimSuffix(p, ext), ext}
	}),
	"dirname":  pathFunc(func(p string) any { return filepath.Dir(p) }),
	"basename": pathFunc(func(p string) any { return filepath.Base(p) }),
	"join":     builtinJoin,
}

func wantArgs(name string, args []any, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s() takes %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func builtinInt(args []any, _ map[string]any) (any, error) {
	if err := wantArgs("int", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("int(): invalid literal %q", v)
		}
		return n, nil
	}
	return nil, fmt.Errorf("int(): unsupported type %s", typeName(args[0]))
}

func builtinFloat(args []any, _ map[string]any) (any, error) {
	if err := wantArgs("float", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case int:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("float(): invalid literal %q", v)
		}
		return f, nil
	}
	return nil, fmt.Errorf("float(): unsupported type %s", typeName(args[0]))
}

func builtinStr(args []any, _ map[string]any) (any, error) {
	if err := wantArgs("str", args, 1); err != nil {
		return nil, err
	}
	return str(args[0]), nil
}

func builtinBool(args []any, _ map[string]any) (any, error) {
	if err := wantArgs("bool", args, 1); err != nil {
		return nil, err
	}
	return truth(args[0]), nil
}

func builtinLen(args []any, _ map[string]any) (any, error) {
	if err := wantArgs("len", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case string:
		return len(v), nil
	case []any:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	}
	return nil, fmt.Errorf("len(): unsupported type %s", typeName(args[0]))
}

func builtinRange(args []any, _ map[string]any) (any, error) {
	if len(args) < 1 || len(args) > 3 {
		return nil, fmt.Errorf("range() takes 1 to 3 arguments, got %d", len(args))
	}
	ints := make([]int, len(args))
	for i, a := range args {
		n, ok := a.(int)
		if !ok {
			return nil, fmt.Errorf("range(): want int, got %s", typeName(a))
		}
		ints[i] = n
	}
	start, stop, step := 0, ints[0], 1
	if len(ints) >= 2 {
		start, stop = ints[0], ints[1]
	}
	if len(ints) == 3 {
		step = ints[2]
	}
	if step == 0 {
		return nil, fmt.Errorf("range(): step must not be zero")
	}
	out := []any{}
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		out = append(out, i)
	}
	return out, nil
}

func builtinFindFiles(args []any, _ map[string]any) (any, error) {
	if err := wantArgs("find_files", args, 1); err != nil {
		return nil, err
	}
	pattern, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("find_files(): want string pattern, got %s", typeName(args[0]))
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("find_files(%q): %w", pattern, err)
	}
	sort.Strings(matches)
	out := make([]any, len(matches))
	for i, m := range matches {
		out[i] = m
	}
	return out, nil
}

func builtinJoin(args []any, _ map[string]any) (any, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		s, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("join(): want string, got %s", typeName(a))
		}
		parts[i] = s
	}
	return filepath.Join(parts...), nil
}

func pathFunc(f func(string) any) builtin {
	return func(args []any, _ map[string]any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("path function takes 1 argument, got %d", len(args))
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("path function: want string, got %s", typeName(args[0]))
		}
		return f(s), nil
	}
}

// stringMethod evaluates the handful of string methods recipes use.
func stringMethod(recv, name string, args []any) (any, error) {
	strArg := func(i int) (string, error) {
		if i >= len(args) {
			return "", fmt.Errorf("%s(): missing argument %d", name, i+1)
		}
		s, ok := args[i].(string)
		if !ok {
			return "", fmt.Errorf("%s(): want string, got %s", name, typeName(args[i]))
		}
		return s, nil
	}
	switch name {
	case "upper":
		return strings.ToUpper(recv), nil
	case "lower":
		return strings.ToLower(recv), nil
	case "strip":
		return strings.TrimSpace(recv), nil
	case "startswith", "endswith":
		s, err := strArg(0)
		if err != nil {
			return nil, err
		}
		if name == "startswith" {
			return strings.HasPrefix(recv, s), nil
		}
		return strings.HasSuffix(recv, s), nil
	case "replace":
		old, err := strArg(0)
		if err != nil {
			return nil, err
		}
		repl, err := strArg(1)
		if err != nil {
			return nil, err
		}
		return strings.ReplaceAll(recv, old, repl), nil
	case "split":
		var parts []string
		if len(args) == 0 {
			parts = strings.Fields(recv)
		} else {
			sep, err := strArg(0)
			if err != nil {
				return nil, err
			}
			parts = strings.Split(recv, sep)
		}
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	}
	return nil, fmt.Errorf("string has no method %q", name)
}

// truth reports the recipe truthiness of a parse-time value.
func truth(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

// str formats a value the way recipe authors expect from str().
func str(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case float64:
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEn") {
			s += ".0"
		}
		return s
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = repr(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprintf("%v", v)
}

func repr(v any) string {
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return str(v)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case bool:
		return "bool"
	case int:
		return "int"
	case float64:
		return "float"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	case lateValue:
		return "primitive output"
	}
	return fmt.Sprintf("%T", v)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func equal(a, b any) bool {
	if x, ok := asFloat(a); ok {
		if y, ok := asFloat(b); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

// arith applies a numeric binary operator, keeping ints when both operands
// are ints.
func arith(op string, a, b any) (any, error) {
	ai, aInt := a.(int)
	bi, bInt := b.(int)
	if aInt && bInt && op != "/" {
		switch op {
		case "+":
			return ai + bi, nil
		case "-":
			return ai - bi, nil
		case "*":
			return ai * bi, nil
		case "//", "%":
			if bi == 0 {
				return nil, fmt.Errorf("integer division by zero")
			}
			q := ai / bi
			if (ai%bi != 0) && ((ai < 0) != (bi < 0)) {
				q--
			}
			if op == "//" {
				return q, nil
			}
			return ai - q*bi, nil
		}
	}
	x, ok1 := asFloat(a)
	y, ok2 := asFloat(b)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("unsupported operand types for %s: %s and %s", op, typeName(a), typeName(b))
	}
	switch op {
	case "+":
		return x + y, nil
	case "-":
		return x - y, nil
	case "*":
		return x * y, nil
	case "/":
		if y == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return x / y, nil
	case "//":
		if y == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Floor(x / y), nil
	case "%":
		if y == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return x - math.Floor(x/y)*y, nil
	}
	return nil, fmt.Errorf("unsupported operator %s", op)
}

// percentFormat implements "fmt" % values for %s, %d, %f and %%.
func percentFormat(format string, v any) (string, error) {
	values, ok := v.([]any)
	if !ok {
		values = []any{v}
	}
	var b strings.Builder
	next := 0
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(format) {
			return "", fmt.Errorf("incomplete format")
		}
		verb := format[i]
		if verb == '%' {
			b.WriteByte('%')
			continue
		}
		if next >= len(values) {
			return "", fmt.Errorf("not enough arguments for format string")
		}
		arg := values[next]
		next++
		switch verb {
		case 's':
			b.WriteString(str(arg))
		case 'd':
			n, ok := asFloat(arg)
			if !ok {
				return "", fmt.Errorf("%%d format: a number is required, not %s", typeName(arg))
			}
			b.WriteString(strconv.Itoa(int(n)))
		case 'f':
			n, ok := asFloat(arg)
			if !ok {
				return "", fmt.Errorf("%%f format: a number is required, not %s", typeName(arg))
			}
			b.WriteString(strconv.FormatFloat(n, 'f', 6, 64))
		default:
			return "", fmt.Errorf("unsupported format character %q", verb)
		}
	}
	if next != len(values) {
		return "", fmt.Errorf("not all arguments converted during string formatting")
	}
	return b.String(), nil
}
