package attractor

import (
	"fmt"
	"sort"
	"strings"
)

// Severity grades a validation diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is a single validation finding.
type Diagnostic struct {
	Rule     string
	Severity Severity
	Message  string
}

// ValidationError aggregates the error-severity diagnostics of a graph.
type ValidationError struct {
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, d := range e.Diagnostics {
		msgs = append(msgs, fmt.Sprintf("%s: %s", d.Rule, d.Message))
	}
	return "graph validation failed: " + strings.Join(msgs, "; ")
}

// Validate checks the structural rules of a pipeline graph: exactly one
// start (Mdiamond) and one exit (Msquare), no incoming edges on start, no
// outgoing edges on exit, and every non-start node reachable from start.
func Validate(g *Graph) []Diagnostic {
	var diags []Diagnostic
	add := func(rule string, sev Severity, format string, args ...any) {
		diags = append(diags, Diagnostic{Rule: rule, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	var starts, exits []string
	for _, id := range sortedNodeIDs(g) {
		switch g.Nodes[id].Shape() {
		case "Mdiamond":
			starts = append(starts, id)
		case "Msquare":
			exits = append(exits, id)
		}
	}

	if len(starts) != 1 {
		add("start_node", SeverityError, "expected exactly one start node (shape=Mdiamond), found %d", len(starts))
	}
	if len(exits) != 1 {
		add("exit_node", SeverityError, "expected exactly one exit node (shape=Msquare), found %d", len(exits))
	}

	if len(starts) == 1 {
		if in := g.Incoming(starts[0]); len(in) > 0 {
			add("start_no_incoming", SeverityError, "start node %q has %d incoming edge(s)", starts[0], len(in))
		}
	}
	if len(exits) == 1 {
		if out := g.Outgoing(exits[0]); len(out) > 0 {
			add("exit_no_outgoing", SeverityError, "exit node %q has %d outgoing edge(s)", exits[0], len(out))
		}
	}

	for _, e := range g.Edges {
		if g.FindNode(e.From) == nil {
			add("edge_endpoints", SeverityError, "edge references unknown node %q", e.From)
		}
		if g.FindNode(e.To) == nil {
			add("edge_endpoints", SeverityError, "edge references unknown node %q", e.To)
		}
	}

	if len(starts) == 1 {
		reachable := map[string]bool{starts[0]: true}
		frontier := []string{starts[0]}
		for len(frontier) > 0 {
			current := frontier[0]
			frontier = frontier[1:]
			for _, e := range g.Outgoing(current) {
				if !reachable[e.To] {
					reachable[e.To] = true
					frontier = append(frontier, e.To)
				}
			}
		}
		for _, id := range sortedNodeIDs(g) {
			if !reachable[id] {
				add("reachability", SeverityError, "node %q is not reachable from start", id)
			}
		}
	}

	return diags
}

// ValidateOrError runs Validate and converts error-severity diagnostics into
// a ValidationError.
func ValidateOrError(g *Graph) error {
	var errs []Diagnostic
	for _, d := range Validate(g) {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Diagnostics: errs}
	}
	return nil
}

func sortedNodeIDs(g *Graph) []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
