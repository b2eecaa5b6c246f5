package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SubAgentStatus represents the lifecycle state of a subagent.
type SubAgentStatus string

const (
	SubAgentRunning   SubAgentStatus = "running"
	SubAgentCompleted SubAgentStatus = "completed"
	SubAgentFailed    SubAgentStatus = "failed"
)

// SubAgentResult holds the output of a finished subagent.
type SubAgentResult struct {
	Output    string `json:"output"`
	Success   bool   `json:"success"`
	TurnsUsed int    `json:"turns_used"`
}

// SubAgentHandle tracks a spawned subagent.
type SubAgentHandle struct {
	ID      string          `json:"id"`
	Session *Session        `json:"-"`
	Status  SubAgentStatus  `json:"status"`
	Result  *SubAgentResult `json:"result,omitempty"`
	done    chan struct{}
	cancel  context.CancelFunc
	mu      sync.Mutex
}

// Snapshot returns the handle's current status and result.
func (h *SubAgentHandle) Snapshot() (SubAgentStatus, *SubAgentResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Status, h.Result
}

// SpawnSpec describes a subagent to spawn.
type SpawnSpec struct {
	Task       string `json:"task"`
	WorkingDir string `json:"working_dir,omitempty"`
	Model      string `json:"model,omitempty"`
	MaxTurns   int    `json:"max_turns,omitempty"`
}

// modelOverrideProfile reuses the parent profile with a different model id.
type modelOverrideProfile struct {
	ProviderProfile
	model string
}

func (p modelOverrideProfile) ModelID() string { return p.model }

// SubAgentManager spawns and tracks child sessions for a parent session.
// Children share the parent's environment and LLM client but own their
// history; a spawned child cannot itself spawn.
type SubAgentManager struct {
	parent   *Session
	agents   map[string]*SubAgentHandle
	maxDepth int
	depth    int
	mu       sync.RWMutex
}

// NewSubAgentManager creates a manager for the given parent session.
func NewSubAgentManager(parent *Session, maxDepth, currentDepth int) *SubAgentManager {
	return &SubAgentManager{
		parent:   parent,
		agents:   make(map[string]*SubAgentHandle),
		maxDepth: maxDepth,
		depth:    currentDepth,
	}
}

// CanSpawn returns true if nesting depth allows spawning.
func (m *SubAgentManager) CanSpawn() bool {
	return m.depth < m.maxDepth
}

// Spawn creates a child session and starts it on the given task without
// awaiting it. The handle is recorded in both the manager and the parent.
func (m *SubAgentManager) Spawn(ctx context.Context, spec SpawnSpec) (*SubAgentHandle, error) {
	if !m.CanSpawn() {
		return nil, fmt.Errorf("%w (max %d)", ErrSubagentDepth, m.maxDepth)
	}

	parent := m.parent
	profile := parent.profile
	if spec.Model != "" {
		profile = modelOverrideProfile{ProviderProfile: profile, model: spec.Model}
	}

	parent.mu.Lock()
	cfg := parent.config
	client := parent.llmClient
	parent.mu.Unlock()
	cfg.MaxSubagentDepth = 0
	cfg.subagentDepth = m.depth + 1
	if spec.MaxTurns > 0 {
		cfg.MaxTurns = spec.MaxTurns
	}

	child := NewSession(profile, parent.env, &cfg)
	child.SetClient(client)

	subCtx, cancel := context.WithCancel(ctx)
	handle := &SubAgentHandle{
		ID:      uuid.New().String(),
		Session: child,
		Status:  SubAgentRunning,
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	m.mu.Lock()
	m.agents[handle.ID] = handle
	m.mu.Unlock()
	parent.recordSubagent(handle)

	parent.emitter.Emit(EventSubagentSpawn, map[string]any{
		"subagent_id": handle.ID,
		"task":        spec.Task,
	})

	go func() {
		defer cancel()
		err := child.Submit(subCtx, spec.Task)

		history := child.History()
		turnsUsed := 0
		lastText := ""
		for _, turn := range history {
			if turn.Kind == TurnAssistant && turn.Assistant != nil {
				turnsUsed++
				lastText = turn.Assistant.Content
			}
		}

		handle.mu.Lock()
		// Child sessions self-handle loop errors, so err is non-nil only for
		// usage errors raised before the loop starts. Kept as a defensive
		// branch.
		if err != nil {
			handle.Status = SubAgentFailed
			handle.Result = &SubAgentResult{
				Output:    err.Error(),
				Success:   false,
				TurnsUsed: turnsUsed,
			}
		} else if handle.Status == SubAgentRunning {
			handle.Status = SubAgentCompleted
			handle.Result = &SubAgentResult{
				Output:    lastText,
				Success:   true,
				TurnsUsed: turnsUsed,
			}
		}
		if handle.Result == nil {
			handle.Result = &SubAgentResult{Output: lastText, Success: false, TurnsUsed: turnsUsed}
		}
		status := handle.Status
		result := handle.Result
		handle.mu.Unlock()
		close(handle.done)

		parent.emitter.Emit(EventSubagentComplete, map[string]any{
			"subagent_id": handle.ID,
			"status":      string(status),
			"turns_used":  result.TurnsUsed,
		})
	}()

	return handle, nil
}

// Get returns a subagent handle by ID, or nil.
func (m *SubAgentManager) Get(id string) *SubAgentHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents[id]
}

// SendInput enqueues a follow-up message on a running child.
func (m *SubAgentManager) SendInput(id string, message string) error {
	handle := m.Get(id)
	if handle == nil {
		return fmt.Errorf("%w: %s", ErrSubagentNotFound, id)
	}
	handle.Session.FollowUp(message)
	return nil
}

// Wait blocks until the subagent finishes and returns its result. A missing
// result is synthesized as a failure record.
func (m *SubAgentManager) Wait(ctx context.Context, id string) (*SubAgentResult, error) {
	handle := m.Get(id)
	if handle == nil {
		return nil, fmt.Errorf("%w: %s", ErrSubagentNotFound, id)
	}
	select {
	case <-handle.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	_, result := handle.Snapshot()
	if result == nil {
		result = &SubAgentResult{Output: "subagent terminated without result", Success: false}
	}
	return result, nil
}

// Close aborts a subagent, marks it completed, and removes it from the
// manager. The parent's record of the handle is left intact.
func (m *SubAgentManager) Close(id string) error {
	m.mu.Lock()
	handle, ok := m.agents[id]
	delete(m.agents, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubagentNotFound, id)
	}

	handle.Session.Abort()
	handle.cancel()
	handle.mu.Lock()
	if handle.Status == SubAgentRunning {
		handle.Status = SubAgentCompleted
	}
	handle.mu.Unlock()
	return nil
}

// failRunning marks every running subagent as failed. Used by Session.Close.
func (m *SubAgentManager) failRunning() {
	m.mu.RLock()
	handles := make([]*SubAgentHandle, 0, len(m.agents))
	for _, h := range m.agents {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		h.Session.Abort()
		h.cancel()
		h.mu.Lock()
		if h.Status == SubAgentRunning {
			h.Status = SubAgentFailed
		}
		h.mu.Unlock()
	}
}

// RegisterSubagentTools registers spawn_agent, send_input, wait, and
// close_agent tools on the given registry.
func RegisterSubagentTools(reg *ToolRegistry, manager *SubAgentManager) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "spawn_agent",
			Description: "Spawn a subagent to handle a scoped task autonomously.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task": map[string]any{
						"type":        "string",
						"description": "Natural language task description.",
					},
					"working_dir": map[string]any{
						"type":        "string",
						"description": "Subdirectory for the task. Recorded only: the subagent runs in the parent's working directory.",
					},
					"model": map[string]any{
						"type":        "string",
						"description": "Model override for the subagent.",
					},
					"max_turns": map[string]any{
						"type":        "integer",
						"description": "Turn limit for the subagent.",
					},
				},
				"required": []any{"task"},
			},
		},
		Executor: func(arguments json.RawMessage, _ ExecutionEnvironment) (string, error) {
			var spec SpawnSpec
			if err := json.Unmarshal(arguments, &spec); err != nil {
				return "", fmt.Errorf("invalid tool arguments: %w", err)
			}
			if spec.Task == "" {
				return "", fmt.Errorf("task is required")
			}
			handle, err := manager.Spawn(context.Background(), spec)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Subagent spawned with ID: %s\nStatus: %s", handle.ID, handle.Status), nil
		},
	})

	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "send_input",
			Description: "Send a follow-up message to a running subagent.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_id": map[string]any{
						"type":        "string",
						"description": "The subagent ID.",
					},
					"message": map[string]any{
						"type":        "string",
						"description": "Message to send.",
					},
				},
				"required": []any{"agent_id", "message"},
			},
		},
		Executor: func(arguments json.RawMessage, _ ExecutionEnvironment) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			agentID, _ := GetStringArg(args, "agent_id")
			message, _ := GetStringArg(args, "message")
			if err := manager.SendInput(agentID, message); err != nil {
				return "", err
			}
			return fmt.Sprintf("Message sent to subagent %s", agentID), nil
		},
	})

	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "wait",
			Description: "Wait for a subagent to complete and return its result.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_id": map[string]any{
						"type":        "string",
						"description": "The subagent ID.",
					},
				},
				"required": []any{"agent_id"},
			},
		},
		Executor: func(arguments json.RawMessage, _ ExecutionEnvironment) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			agentID, _ := GetStringArg(args, "agent_id")
			result, err := manager.Wait(context.Background(), agentID)
			if err != nil {
				return "", err
			}
			status, _ := manager.statusOf(agentID)
			return fmt.Sprintf("Status: %s\nTurns used: %d\nOutput:\n%s",
				status, result.TurnsUsed, result.Output), nil
		},
	})

	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "close_agent",
			Description: "Terminate a subagent.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_id": map[string]any{
						"type":        "string",
						"description": "The subagent ID.",
					},
				},
				"required": []any{"agent_id"},
			},
		},
		Executor: func(arguments json.RawMessage, _ ExecutionEnvironment) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			agentID, _ := GetStringArg(args, "agent_id")
			if err := manager.Close(agentID); err != nil {
				return "", err
			}
			return fmt.Sprintf("Subagent %s terminated", agentID), nil
		},
	})
}

// statusOf reports the status of a subagent still known to the manager, or
// falls back to the parent's table for closed ones.
func (m *SubAgentManager) statusOf(id string) (SubAgentStatus, bool) {
	if h := m.Get(id); h != nil {
		status, _ := h.Snapshot()
		return status, true
	}
	m.parent.mu.Lock()
	h, ok := m.parent.subagentTable[id]
	m.parent.mu.Unlock()
	if !ok {
		return "", false
	}
	status, _ := h.Snapshot()
	return status, true
}
