package agentloop

import (
	"encoding/json"
	"testing"
)

func registryWith(names ...string) *ToolRegistry {
	reg := NewToolRegistry()
	for _, name := range names {
		reg.Register(RegisteredTool{
			Definition: ToolDefinition{Name: name},
			Executor: func(json.RawMessage, ExecutionEnvironment) (string, error) {
				return "", nil
			},
		})
	}
	return reg
}

func TestDefinitionsInsertionOrder(t *testing.T) {
	reg := registryWith("zulu", "alpha", "mike")
	defs := reg.Definitions()
	want := []string{"zulu", "alpha", "mike"}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Fatalf("definitions out of insertion order: %v", defs)
		}
	}
}

func TestDuplicateRegistrationReplaces(t *testing.T) {
	reg := registryWith("a", "b")
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "a", Description: "replaced"},
	})

	if reg.Count() != 2 {
		t.Fatalf("expected 2 tools, got %d", reg.Count())
	}
	defs := reg.Definitions()
	if defs[0].Name != "a" || defs[0].Description != "replaced" {
		t.Fatalf("replacement lost position or content: %v", defs)
	}
}

func TestUnregister(t *testing.T) {
	reg := registryWith("a", "b", "c")
	reg.Unregister("b")

	if reg.Get("b") != nil {
		t.Fatal("unregistered tool still resolvable")
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "c" {
		t.Fatalf("unexpected names after unregister: %v", names)
	}
}

func TestValidateRequiredAndTypes(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name: "write_note",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":  map[string]any{"type": "string"},
					"lines": map[string]any{"type": "integer"},
				},
				"required": []any{"path"},
			},
		},
	})

	cases := []struct {
		name  string
		args  string
		valid bool
	}{
		{"all good", `{"path":"x.md","lines":3}`, true},
		{"optional omitted", `{"path":"x.md"}`, true},
		{"missing required", `{"lines":3}`, false},
		{"wrong type", `{"path":42}`, false},
		{"not json", `{"path":`, false},
	}
	for _, tc := range cases {
		res := reg.Validate("write_note", json.RawMessage(tc.args))
		if res.Valid != tc.valid {
			t.Errorf("%s: expected valid=%v, got %+v", tc.name, tc.valid, res)
		}
		if !res.Valid && res.Error == "" {
			t.Errorf("%s: invalid result must carry an error", tc.name)
		}
	}
}

func TestValidateUnknownTool(t *testing.T) {
	reg := NewToolRegistry()
	if res := reg.Validate("nope", json.RawMessage(`{}`)); res.Valid {
		t.Fatal("unknown tool must be invalid")
	}
}
