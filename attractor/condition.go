package attractor

import "strings"

// EvaluateCondition evaluates an edge condition expression against an
// outcome and context.
//
// Grammar: clauses joined by &&. A clause is `key=literal`, `key!=literal`,
// or a bare key tested for truthiness ("", "0", and "false" are false).
// Empty expressions and empty clauses evaluate to true. Literals may be
// unquoted or double-quoted; only matching double quotes are stripped.
//
// Key resolution: "outcome" yields the outcome status, "preferred_label"
// yields the outcome's preferred label, "context.<path>" tries the full key
// then the bare path, and any other key reads the context directly. Absent
// values resolve to the empty string.
func EvaluateCondition(expr string, out Outcome, ctx *Context) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}

	for _, clause := range strings.Split(expr, "&&") {
		if !evaluateClause(clause, out, ctx) {
			return false
		}
	}
	return true
}

func evaluateClause(clause string, out Outcome, ctx *Context) bool {
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return true
	}

	if idx := strings.Index(clause, "!="); idx >= 0 {
		key := strings.TrimSpace(clause[:idx])
		literal := parseLiteral(clause[idx+2:])
		return resolveKey(key, out, ctx) != literal
	}
	if idx := strings.Index(clause, "="); idx >= 0 {
		key := strings.TrimSpace(clause[:idx])
		literal := parseLiteral(clause[idx+1:])
		return resolveKey(key, out, ctx) == literal
	}

	// Bare key: truthiness test.
	value := resolveKey(clause, out, ctx)
	return value != "" && value != "0" && value != "false"
}

func parseLiteral(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 2 && strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) {
		return raw[1 : len(raw)-1]
	}
	return raw
}

func resolveKey(key string, out Outcome, ctx *Context) string {
	key = strings.TrimSpace(key)
	switch key {
	case "outcome":
		return strings.ToLower(string(out.Status))
	case "preferred_label":
		return out.PreferredLabel
	}
	if strings.HasPrefix(key, "context.") {
		if ctx != nil && ctx.Has(key) {
			return ctx.GetString(key, "")
		}
		if ctx != nil {
			return ctx.GetString(strings.TrimPrefix(key, "context."), "")
		}
		return ""
	}
	if ctx == nil {
		return ""
	}
	return ctx.GetString(key, "")
}
