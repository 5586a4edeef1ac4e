package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// EvalCondition evaluates a condition expression string against a context map.
//
// Supported grammar:
//
//	<expr>  ::= <or>
//	<or>    ::= <and> ( "||" <and> )*
//	<and>   ::= <atom> ( "&&" <atom> )*
//	<atom>  ::= "!" <atom> | "(" <expr> ")" | <key> <op> <value> | <key>
//	<op>    ::= "==" | "!=" | "<" | "<=" | ">" | ">="
//	<key>   ::= alphanumeric + _ + .
//	<value> ::= single-quoted | double-quoted | bare word | number
//
// A bare key is truthy if its value in ctx is non-empty and not false or zero.
// Ordering operators compare numerically; a missing or non-numeric value
// makes them false.
func EvalCondition(expr string, ctx map[string]any) (bool, error) {
	p := &condParser{input: strings.TrimSpace(expr), ctx: ctx}
	result, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	p.skipWS()
	if p.pos < len(p.input) {
		return false, fmt.Errorf("condition %q: unexpected %q", expr, p.input[p.pos:])
	}
	return result, nil
}

// ConditionKeys returns the context keys a condition reads, in order of
// appearance.
func ConditionKeys(expr string) ([]string, error) {
	p := &condParser{input: strings.TrimSpace(expr)}
	if _, err := p.parseOr(); err != nil {
		return nil, fmt.Errorf("condition %q: %w", expr, err)
	}
	p.skipWS()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("condition %q: unexpected %q", expr, p.input[p.pos:])
	}
	return p.keys, nil
}

type condParser struct {
	input string
	pos   int
	ctx   map[string]any
	keys  []string
}

func (p *condParser) peek() string {
	if p.pos >= len(p.input) {
		return ""
	}
	return p.input[p.pos:]
}

func (p *condParser) skipWS() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *condParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for {
		p.skipWS()
		if !strings.HasPrefix(p.peek(), "||") {
			break
		}
		p.pos += 2
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *condParser) parseAnd() (bool, error) {
	left, err := p.parseAtom()
	if err != nil {
		return false, err
	}
	for {
		p.skipWS()
		if !strings.HasPrefix(p.peek(), "&&") {
			break
		}
		p.pos += 2
		right, err := p.parseAtom()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *condParser) parseAtom() (bool, error) {
	p.skipWS()
	if p.pos >= len(p.input) {
		return false, fmt.Errorf("unexpected end of expression")
	}
	// Negation
	if p.input[p.pos] == '!' {
		p.pos++
		v, err := p.parseAtom()
		return !v, err
	}
	// Parenthesised group
	if p.input[p.pos] == '(' {
		p.pos++
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		p.skipWS()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return false, fmt.Errorf("expected ')'")
		}
		p.pos++
		return v, nil
	}
	// Key (possibly followed by a comparison)
	key := p.parseKey()
	if key == "" {
		return false, fmt.Errorf("expected identifier at pos %d in %q", p.pos, p.input)
	}
	p.keys = append(p.keys, key)
	p.skipWS()
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if !strings.HasPrefix(p.peek(), op) {
			continue
		}
		p.pos += len(op)
		p.skipWS()
		val := p.parseValue()
		if op == "==" || op == "!=" {
			return equalsLiteral(p.ctx[key], val) == (op == "=="), nil
		}
		rhs, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return false, fmt.Errorf("operator %s needs a number, got %q", op, val)
		}
		lhs, ok := toFloat(p.ctx[key])
		if !ok {
			return false, nil
		}
		switch op {
		case "<":
			return lhs < rhs, nil
		case "<=":
			return lhs <= rhs, nil
		case ">":
			return lhs > rhs, nil
		default:
			return lhs >= rhs, nil
		}
	}
	// Bare key
	v, ok := p.ctx[key]
	if !ok {
		return false, nil
	}
	return truthy(v), nil
}

// equalsLiteral compares numerically when both sides are numbers, so 1.0
// matches a stored 1; otherwise it compares the value's %v text.
func equalsLiteral(v any, val string) bool {
	if rhs, err := strconv.ParseFloat(val, 64); err == nil {
		if lhs, ok := toFloat(v); ok {
			return lhs == rhs
		}
	}
	return fmt.Sprintf("%v", v) == val
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case int:
		return val != 0
	case float64:
		return val != 0
	}
	return fmt.Sprintf("%v", v) != ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func (p *condParser) parseKey() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '_' || c == '.' {
			p.pos++
		} else {
			break
		}
	}
	return p.input[start:p.pos]
}

func (p *condParser) parseValue() string {
	if p.pos >= len(p.input) {
		return ""
	}
	quote := p.input[p.pos]
	if quote == '\'' || quote == '"' {
		p.pos++
		start := p.pos
		for p.pos < len(p.input) && p.input[p.pos] != quote {
			p.pos++
		}
		val := p.input[start:p.pos]
		if p.pos < len(p.input) {
			p.pos++ // consume closing quote
		}
		return val
	}
	// Bare word or number
	start := p.pos
	if p.input[p.pos] == '-' || p.input[p.pos] == '+' {
		p.pos++
	}
	p.parseKey()
	// parseKey stops at the sign of an exponent such as 1e-3.
	if tok := strings.TrimLeft(p.input[start:p.pos], "+-"); len(tok) > 1 && (isDigit(tok[0]) || tok[0] == '.') &&
		(tok[len(tok)-1] == 'e' || tok[len(tok)-1] == 'E') &&
		p.pos < len(p.input) && (p.input[p.pos] == '-' || p.input[p.pos] == '+') {
		p.pos++
		for p.pos < len(p.input) && isDigit(p.input[p.pos]) {
			p.pos++
		}
	}
	return p.input[start:p.pos]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
