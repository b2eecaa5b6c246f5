package attractor

import (
	"fmt"
	"strings"
)

// Transform mutates a parsed graph before validation. Built-in transforms
// (stylesheet resolution, $goal expansion) run first; user-supplied
// transforms run afterwards in registration order.
type Transform interface {
	Name() string
	Apply(g *Graph) error
}

// StylesheetTransform resolves the model_stylesheet graph attribute onto
// node llm_model/llm_provider/reasoning_effort attributes.
type StylesheetTransform struct{}

func (StylesheetTransform) Name() string { return "stylesheet" }

func (StylesheetTransform) Apply(g *Graph) error {
	raw := strings.TrimSpace(g.Attr("model_stylesheet", ""))
	if raw == "" {
		return nil
	}
	rules, err := ParseStylesheet(raw)
	if err != nil {
		return fmt.Errorf("stylesheet: %w", err)
	}
	ApplyStylesheet(g, rules)
	return nil
}

// GoalExpansionTransform substitutes $goal in node prompts with the
// graph-level goal attribute.
type GoalExpansionTransform struct{}

func (GoalExpansionTransform) Name() string { return "goal_expansion" }

func (GoalExpansionTransform) Apply(g *Graph) error {
	goal := g.Attr("goal", "")
	if goal == "" {
		return nil
	}
	for _, n := range g.Nodes {
		for _, key := range []string{"prompt", "llm_prompt"} {
			if v, ok := n.Attrs[key]; ok && strings.Contains(v, "$goal") {
				n.Attrs[key] = strings.ReplaceAll(v, "$goal", goal)
			}
		}
	}
	return nil
}

// builtinTransforms are always applied, in order, before user transforms.
func builtinTransforms() []Transform {
	return []Transform{StylesheetTransform{}, GoalExpansionTransform{}}
}

// ApplyTransforms runs the built-in transforms followed by the given user
// transforms, failing on the first error.
func ApplyTransforms(g *Graph, userTransforms ...Transform) error {
	for _, tr := range append(builtinTransforms(), userTransforms...) {
		if tr == nil {
			continue
		}
		if err := tr.Apply(g); err != nil {
			return fmt.Errorf("transform %s: %w", tr.Name(), err)
		}
	}
	return nil
}
