package attractor

import (
	"sort"
	"strings"
)

// SelectEdge picks at most one outgoing edge for the given node:
//
//  1. Edges whose condition evaluates true dominate all others.
//  2. Otherwise, edges whose normalized label equals the outcome's
//     preferred label.
//  3. Otherwise, the first outgoing edge targeting one of the outcome's
//     suggested next ids (suggestion-list order, then authoring order).
//  4. Otherwise, the highest-weight unconditional edge.
//  5. Remaining ties break toward the lexically smallest target id.
//
// Returns nil when the node has no outgoing edges or nothing is eligible.
func SelectEdge(g *Graph, from string, out Outcome, ctx *Context) *Edge {
	edges := g.Outgoing(from)
	if len(edges) == 0 {
		return nil
	}

	var condMatched []*Edge
	for _, e := range edges {
		cond := strings.TrimSpace(e.Condition())
		if cond == "" {
			continue
		}
		if EvaluateCondition(cond, out, ctx) {
			condMatched = append(condMatched, e)
		}
	}
	if len(condMatched) > 0 {
		return bestEdge(condMatched)
	}

	if want := normalizeLabel(out.PreferredLabel); want != "" {
		var labelMatched []*Edge
		for _, e := range edges {
			if normalizeLabel(e.Label()) == want {
				labelMatched = append(labelMatched, e)
			}
		}
		if len(labelMatched) > 0 {
			return bestEdge(labelMatched)
		}
	}

	for _, suggested := range out.SuggestedNextIDs {
		for _, e := range edges {
			if e.To == suggested {
				return e
			}
		}
	}

	var uncond []*Edge
	for _, e := range edges {
		if strings.TrimSpace(e.Condition()) == "" {
			uncond = append(uncond, e)
		}
	}
	if len(uncond) == 0 {
		return nil
	}
	return bestEdge(uncond)
}

// bestEdge orders candidates by weight descending, then target id ascending,
// then authoring order.
func bestEdge(edges []*Edge) *Edge {
	sorted := append([]*Edge{}, edges...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if wi, wj := sorted[i].Weight(), sorted[j].Weight(); wi != wj {
			return wi > wj
		}
		if sorted[i].To != sorted[j].To {
			return sorted[i].To < sorted[j].To
		}
		return sorted[i].Order < sorted[j].Order
	})
	return sorted[0]
}

// normalizeLabel strips a leading accelerator prefix ("[K] ", "K) ", "K - "),
// lowercases, and trims.
func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) >= 4 && s[0] == '[' && s[2] == ']' && s[3] == ' ' {
		return strings.TrimSpace(s[4:])
	}
	if len(s) >= 3 && s[1] == ')' && s[2] == ' ' {
		return strings.TrimSpace(s[3:])
	}
	if len(s) >= 4 && s[1] == ' ' && s[2] == '-' && s[3] == ' ' {
		return strings.TrimSpace(s[4:])
	}
	return s
}
