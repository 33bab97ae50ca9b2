package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/appos-io/appos/pkg/types"
)

// The condition sublanguage gates steps on the variable scope. Grammar:
//
//	condition = ["!"] name
//	          | name op literal
//	op        = "==" | "!=" | "<=" | ">=" | "<" | ">"
//	literal   = quoted string | number | true | false | null
//
// Dotted names descend into nested maps. Evaluation errors are reported by
// evalCondition's second return; the caller proceeds with the step (fail-open)
// so a bad expression never wedges an instance.

var comparisonOps = []string{"==", "!=", "<=", ">=", "<", ">"}

// evalCondition evaluates expr against the variable scope, falling back to
// the instance inputs for names not yet bound as variables.
func evalCondition(expr string, variables, inputs types.Document) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	lookup := func(name string) (any, bool) {
		if v, ok := lookupPath(variables, name); ok {
			return v, true
		}
		return lookupPath(inputs, name)
	}

	for _, op := range comparisonOps {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(expr[:idx])
		litStr := strings.TrimSpace(expr[idx+len(op):])
		if name == "" || litStr == "" {
			return false, fmt.Errorf("malformed condition %q", expr)
		}
		lit, err := parseLiteral(litStr)
		if err != nil {
			return false, err
		}
		val, _ := lookup(name)
		return compare(val, op, lit)
	}

	if name, ok := strings.CutPrefix(expr, "!"); ok {
		val, _ := lookup(strings.TrimSpace(name))
		return !truthy(val), nil
	}
	if strings.ContainsAny(expr, " \t") {
		return false, fmt.Errorf("malformed condition %q", expr)
	}
	val, _ := lookup(expr)
	return truthy(val), nil
}

// lookupPath resolves a possibly dotted name inside nested maps
func lookupPath(doc types.Document, name string) (any, bool) {
	if doc == nil {
		return nil, false
	}
	parts := strings.Split(name, ".")
	var cur any = map[string]any(doc)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// truthy: absent, null, false, 0 and "" are falsy; everything else is truthy
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func parseLiteral(s string) (any, error) {
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1], nil
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, nil
	}
	return nil, fmt.Errorf("unparseable literal %q", s)
}

func compare(val any, op string, lit any) (bool, error) {
	switch op {
	case "==":
		return equal(val, lit), nil
	case "!=":
		return !equal(val, lit), nil
	}

	// Ordering requires numbers on both sides
	a, aok := asNumber(val)
	b, bok := asNumber(lit)
	if !aok || !bok {
		return false, fmt.Errorf("ordering comparison needs numbers, got %T %s %T", val, op, lit)
	}
	switch op {
	case "<":
		return a < b, nil
	case "<=":
		return a <= b, nil
	case ">":
		return a > b, nil
	case ">=":
		return a >= b, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func equal(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
	}
	return a == b
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
