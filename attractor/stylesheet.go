package attractor

import (
	"fmt"
	"strings"
)

// selectorKind orders stylesheet specificity: universal < shape == class < id.
type selectorKind int

const (
	selUniversal selectorKind = iota
	selShape
	selClass
	selID
)

func (k selectorKind) specificity() int {
	switch k {
	case selUniversal:
		return 0
	case selShape, selClass:
		return 1
	default:
		return 2
	}
}

// StyleRule is one parsed stylesheet rule.
type StyleRule struct {
	kind     selectorKind
	selector string
	Props    map[string]string
	order    int
}

// stylesheet property names mapped onto node attributes. Unknown properties
// pass through under their own name.
var stylesheetPropMap = map[string]string{
	"model":            "llm_model",
	"provider":         "llm_provider",
	"reasoning_effort": "reasoning_effort",
}

// ParseStylesheet parses the CSS-like model stylesheet embedded in the
// model_stylesheet graph attribute.
func ParseStylesheet(src string) ([]StyleRule, error) {
	var rules []StyleRule
	pos := 0
	order := 0

	skipSpace := func() {
		for pos < len(src) && isSpaceByte(src[pos]) {
			pos++
		}
	}

	for {
		skipSpace()
		if pos >= len(src) {
			return rules, nil
		}

		// Selector: read until '{'.
		open := strings.IndexByte(src[pos:], '{')
		if open < 0 {
			return nil, fmt.Errorf("stylesheet: missing '{' after selector %q", strings.TrimSpace(src[pos:]))
		}
		selText := strings.TrimSpace(src[pos : pos+open])
		pos += open + 1
		if selText == "" {
			return nil, fmt.Errorf("stylesheet: empty selector")
		}

		rule := StyleRule{Props: map[string]string{}, order: order}
		order++
		switch {
		case selText == "*":
			rule.kind = selUniversal
		case strings.HasPrefix(selText, "."):
			rule.kind = selClass
			rule.selector = selText[1:]
		case strings.HasPrefix(selText, "#"):
			rule.kind = selID
			rule.selector = selText[1:]
		default:
			rule.kind = selShape
			rule.selector = selText
		}

		// Declarations until '}'.
		for {
			skipSpace()
			if pos >= len(src) {
				return nil, fmt.Errorf("stylesheet: unterminated rule for selector %q", selText)
			}
			if src[pos] == '}' {
				pos++
				break
			}
			if src[pos] == ';' {
				pos++
				continue
			}

			// Property name up to '=' or ':'.
			nameEnd := pos
			for nameEnd < len(src) && src[nameEnd] != '=' && src[nameEnd] != ':' && src[nameEnd] != '}' {
				nameEnd++
			}
			if nameEnd >= len(src) || src[nameEnd] == '}' {
				return nil, fmt.Errorf("stylesheet: declaration missing value in rule %q", selText)
			}
			prop := strings.TrimSpace(src[pos:nameEnd])
			pos = nameEnd + 1

			value, err := parseStylesheetValue(src, &pos)
			if err != nil {
				return nil, err
			}
			if prop == "" {
				return nil, fmt.Errorf("stylesheet: empty property name in rule %q", selText)
			}
			rule.Props[prop] = value
		}
		rules = append(rules, rule)
	}
}

func parseStylesheetValue(src string, pos *int) (string, error) {
	for *pos < len(src) && isSpaceByte(src[*pos]) {
		*pos++
	}
	if *pos >= len(src) {
		return "", fmt.Errorf("stylesheet: missing value")
	}

	if src[*pos] == '"' {
		*pos++
		var sb strings.Builder
		for *pos < len(src) {
			c := src[*pos]
			*pos++
			switch c {
			case '"':
				return sb.String(), nil
			case '\\':
				if *pos < len(src) {
					next := src[*pos]
					*pos++
					switch next {
					case '"', '\\':
						sb.WriteByte(next)
					default:
						sb.WriteByte('\\')
						sb.WriteByte(next)
					}
				}
			default:
				sb.WriteByte(c)
			}
		}
		return "", fmt.Errorf("stylesheet: unterminated quoted value")
	}

	start := *pos
	for *pos < len(src) && src[*pos] != ';' && src[*pos] != '}' {
		*pos++
	}
	return strings.TrimSpace(src[start:*pos]), nil
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func (r StyleRule) matches(n *Node) bool {
	switch r.kind {
	case selUniversal:
		return true
	case selShape:
		return n.Shape() == r.selector
	case selClass:
		return n.HasClass(r.selector)
	case selID:
		return n.ID == r.selector
	default:
		return false
	}
}

// ApplyStylesheet resolves stylesheet rules onto node attributes. Higher
// specificity wins; among rules of equal specificity the later one wins.
// Explicit non-empty node attributes are never overwritten.
func ApplyStylesheet(g *Graph, rules []StyleRule) {
	for _, n := range g.Nodes {
		resolved := map[string]string{}
		winner := map[string]StyleRule{}
		for _, rule := range rules {
			if !rule.matches(n) {
				continue
			}
			for prop, value := range rule.Props {
				prev, seen := winner[prop]
				if !seen || rule.kind.specificity() > prev.kind.specificity() ||
					(rule.kind.specificity() == prev.kind.specificity() && rule.order >= prev.order) {
					winner[prop] = rule
					resolved[prop] = value
				}
			}
		}
		for prop, value := range resolved {
			attr, ok := stylesheetPropMap[prop]
			if !ok {
				attr = prop
			}
			if strings.TrimSpace(n.Attrs[attr]) != "" {
				continue
			}
			n.Attrs[attr] = value
		}
	}
}
