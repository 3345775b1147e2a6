package orchestrator

import (
	"fmt"
	"strings"
)

// EvalGuard evaluates a step guard against the accumulated prior
// outputs. The grammar is deliberately small:
//
//	""                  always true
//	name                true when the named output exists and is non-empty
//	!name               negation of the above
//	name == literal     equality against a literal value
//	name != literal     inequality against a literal value
//
// Literals may be quoted with single or double quotes; comparisons are
// against the raw output value.
func EvalGuard(expr string, outputs map[string]string) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	if op, lhs, rhs, ok := splitComparison(expr); ok {
		if lhs == "" || rhs == "" {
			return false, fmt.Errorf("guard %q: empty operand", expr)
		}
		val, exists := outputs[lhs]
		eq := exists && val == rhs
		if op == "==" {
			return eq, nil
		}
		return !eq, nil
	}

	if name, negated := strings.CutPrefix(expr, "!"); negated {
		name = strings.TrimSpace(name)
		if name == "" {
			return false, fmt.Errorf("guard %q: missing output name", expr)
		}
		return outputs[name] == "", nil
	}

	if strings.ContainsAny(expr, " \t=!<>") {
		return false, fmt.Errorf("guard %q: unsupported expression", expr)
	}
	return outputs[expr] != "", nil
}

func splitComparison(expr string) (op, lhs, rhs string, ok bool) {
	for _, candidate := range []string{"==", "!="} {
		if i := strings.Index(expr, candidate); i >= 0 {
			lhs = strings.TrimSpace(expr[:i])
			rhs = unquote(strings.TrimSpace(expr[i+len(candidate):]))
			return candidate, lhs, rhs, true
		}
	}
	return "", "", "", false
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
