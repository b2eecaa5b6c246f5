package agentloop

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolExecutor is the function signature for tool execution.
// It receives the raw call arguments and the execution environment.
type ToolExecutor func(arguments json.RawMessage, env ExecutionEnvironment) (string, error)

// ToolDefinition describes a tool for the LLM (serializable metadata).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition ToolDefinition
	Executor   ToolExecutor
}

// ValidationResult reports whether a tool call's arguments satisfy the
// registered parameter schema.
type ValidationResult struct {
	Valid bool
	Error string
}

// ToolRegistry manages tool registration, lookup, and argument validation.
// Definitions are returned in insertion order; re-registering a name replaces
// the tool but keeps its original position.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]*RegisteredTool
	order   []string
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]*RegisteredTool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds or replaces a tool in the registry.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Definition.Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = &tool
	delete(r.schemas, name)
	if tool.Definition.Parameters != nil {
		if raw, err := json.Marshal(tool.Definition.Parameters); err == nil {
			if sch, err := jsonschema.CompileString(name+".schema.json", string(raw)); err == nil {
				r.schemas[name] = sch
			}
		}
	}
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return
	}
	delete(r.tools, name)
	delete(r.schemas, name)
	kept := r.order[:0]
	for _, n := range r.order {
		if n != name {
			kept = append(kept, n)
		}
	}
	r.order = kept
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Validate checks call arguments against the tool's parameter schema:
// required keys must be present and values must match the permitted types.
func (r *ToolRegistry) Validate(name string, arguments json.RawMessage) ValidationResult {
	r.mu.RLock()
	_, known := r.tools[name]
	sch := r.schemas[name]
	r.mu.RUnlock()

	if !known {
		return ValidationResult{Valid: false, Error: fmt.Sprintf("unknown tool: %s", name)}
	}
	if sch == nil {
		return ValidationResult{Valid: true}
	}

	var decoded any
	if len(arguments) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(arguments, &decoded); err != nil {
		return ValidationResult{Valid: false, Error: fmt.Sprintf("arguments are not valid JSON: %v", err)}
	}
	if err := sch.Validate(decoded); err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	return ValidationResult{Valid: true}
}

// Definitions returns all tool definitions in insertion order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Names returns the names of all registered tools in insertion order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone returns a deep copy of the registry.
func (r *ToolRegistry) Clone() *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewToolRegistry()
	for _, name := range r.order {
		cloned := *r.tools[name]
		clone.tools[name] = &cloned
		clone.order = append(clone.order, name)
		clone.schemas[name] = r.schemas[name]
	}
	return clone
}

// MergeFrom copies all tools from other into this registry (latest wins).
func (r *ToolRegistry) MergeFrom(other *ToolRegistry) {
	for _, def := range other.Definitions() {
		if tool := other.Get(def.Name); tool != nil {
			r.Register(*tool)
		}
	}
}

// ParseToolArguments unmarshals tool call arguments into a map for access.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument from parsed tool arguments.
func GetIntArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument from parsed tool arguments.
func GetBoolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
