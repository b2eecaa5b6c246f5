package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/strongdm/attractor/unifiedllm"
)

// SessionState represents the current lifecycle state of a session.
type SessionState string

const (
	StateIdle          SessionState = "idle"
	StateProcessing    SessionState = "processing"
	StateAwaitingInput SessionState = "awaiting_input"
	StateClosed        SessionState = "closed"
)

// SessionConfig holds configuration for a session.
type SessionConfig struct {
	MaxTurns                int            `json:"max_turns"`                 // 0 = unlimited
	MaxToolRoundsPerInput   int            `json:"max_tool_rounds_per_input"` // per user input
	DefaultCommandTimeoutMs int            `json:"default_command_timeout_ms"`
	MaxCommandTimeoutMs     int            `json:"max_command_timeout_ms"`
	ReasoningEffort         string         `json:"reasoning_effort,omitempty"` // "low", "medium", "high", or ""
	ToolOutputLimits        map[string]int `json:"tool_output_limits,omitempty"`
	ToolLineLimits          map[string]int `json:"tool_line_limits,omitempty"`
	EnableLoopDetection     bool           `json:"enable_loop_detection"`
	LoopDetectionWindow     int            `json:"loop_detection_window"`
	MaxSubagentDepth        int            `json:"max_subagent_depth"`
	UserInstructions        string         `json:"user_instructions,omitempty"` // appended last to system prompt
	subagentDepth           int            // internal: current nesting depth
}

// DefaultSessionConfig returns the default configuration. Loop detection is
// off unless explicitly enabled.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxTurns:                0,      // unlimited
		MaxToolRoundsPerInput:   200,
		DefaultCommandTimeoutMs: 10000,  // 10 seconds
		MaxCommandTimeoutMs:     600000, // 10 minutes
		EnableLoopDetection:     false,
		LoopDetectionWindow:     10,
		MaxSubagentDepth:        1,
	}
}

// Session is the central orchestrator for the agentic loop.
type Session struct {
	id            string
	profile       ProviderProfile
	env           ExecutionEnvironment
	history       []Turn
	emitter       *EventEmitter
	config        SessionConfig
	state         SessionState
	llmClient     *unifiedllm.Client
	steeringQueue []string
	followupQueue []string
	subagents     *SubAgentManager
	subagentTable map[string]*SubAgentHandle
	abortSignaled bool
	abortLLM      context.CancelFunc
	logger        *slog.Logger
	mu            sync.Mutex
}

// NewSession creates a new session with the given profile, execution
// environment, and optional configuration. SESSION_START is emitted
// synchronously before NewSession returns.
func NewSession(profile ProviderProfile, env ExecutionEnvironment, config *SessionConfig) *Session {
	sessionID := uuid.New().String()

	cfg := DefaultSessionConfig()
	if config != nil {
		cfg = *config
	}

	s := &Session{
		id:            sessionID,
		profile:       profile,
		env:           env,
		history:       make([]Turn, 0),
		emitter:       NewEventEmitter(sessionID, nil),
		config:        cfg,
		state:         StateIdle,
		llmClient:     unifiedllm.GetDefaultClient(),
		subagentTable: make(map[string]*SubAgentHandle),
		logger:        slog.Default(),
	}
	s.subagents = NewSubAgentManager(s, cfg.MaxSubagentDepth, cfg.subagentDepth)

	// Register subagent tools if depth allows.
	if s.subagents.CanSpawn() {
		RegisterSubagentTools(profile.ToolRegistry(), s.subagents)
	}

	s.emitter.Emit(EventSessionStart, map[string]any{
		"provider": profile.ID(),
		"model":    profile.ModelID(),
	})

	return s
}

// SetClient sets a custom LLM client (overriding the default).
func (s *Session) SetClient(client *unifiedllm.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llmClient = client
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the conversation history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make([]Turn, len(s.history))
	copy(h, s.history)
	return h
}

// Emitter exposes the session's event emitter for listener registration.
func (s *Session) Emitter() *EventEmitter { return s.emitter }

// Events returns a stream of session events. The stream completes after
// SESSION_END is delivered.
func (s *Session) Events() <-chan SessionEvent {
	return s.emitter.Stream(context.Background())
}

// SubAgentManager returns the manager used to spawn and control subagents.
func (s *Session) SubAgentManager() *SubAgentManager { return s.subagents }

// Subagents returns a snapshot of the session's subagent table.
func (s *Session) Subagents() map[string]*SubAgentHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*SubAgentHandle, len(s.subagentTable))
	for id, h := range s.subagentTable {
		out[id] = h
	}
	return out
}

func (s *Session) recordSubagent(handle *SubAgentHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subagentTable[handle.ID] = handle
}

// Steer queues a message to be injected before the next LLM call.
func (s *Session) Steer(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.steeringQueue = append(s.steeringQueue, message)
}

// FollowUp queues a message to be processed after the current input completes.
func (s *Session) FollowUp(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.followupQueue = append(s.followupQueue, message)
}

// Abort signals the session to stop processing. The in-flight LLM call, if
// any, is cancelled. Abort is idempotent.
func (s *Session) Abort() {
	s.mu.Lock()
	s.abortSignaled = true
	cancel := s.abortLLM
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close terminates the session: aborts any in-flight work, fails running
// subagents, cleans up the environment, and emits SESSION_END. Double-close
// is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.abortSignaled = true
	cancel := s.abortLLM
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.subagents.failRunning()
	if err := s.env.Cleanup(); err != nil {
		s.logger.Warn("environment cleanup failed", slog.String("error", err.Error()))
	}
	s.emitter.Emit(EventSessionEnd, map[string]any{
		"final_state": string(StateClosed),
	})
	s.emitter.RemoveAllListeners()
}

// SetReasoningEffort changes the reasoning effort for subsequent LLM calls.
func (s *Session) SetReasoningEffort(effort string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.ReasoningEffort = effort
}

func (s *Session) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortSignaled
}

// Submit processes a user input through the agentic loop. It returns a usage
// error when the session is closed or already processing. Errors raised
// inside the loop are not returned: they surface as an ERROR event and the
// session transitions to CLOSED.
func (s *Session) Submit(ctx context.Context, userInput string) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateProcessing:
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.state = StateProcessing
	s.abortSignaled = false
	s.mu.Unlock()

	if err := s.processInput(ctx, userInput); err != nil {
		s.emitter.Emit(EventError, map[string]any{
			"error": err.Error(),
		})
		s.Close()
		return nil
	}

	s.mu.Lock()
	if s.state == StateProcessing {
		s.state = StateIdle
	}
	s.mu.Unlock()
	return nil
}

// processInput runs the bounded round loop for one user input.
func (s *Session) processInput(ctx context.Context, userInput string) error {
	s.mu.Lock()
	s.history = append(s.history, NewUserTurn(userInput))
	s.mu.Unlock()
	s.emitter.Emit(EventUserInput, map[string]any{
		"content": userInput,
	})

	rounds := 0

	for {
		s.mu.Lock()
		maxRounds := s.config.MaxToolRoundsPerInput
		maxTurns := s.config.MaxTurns
		aborted := s.abortSignaled
		s.mu.Unlock()

		if aborted {
			return nil
		}
		if rounds >= maxRounds {
			s.emitter.Emit(EventTurnLimit, map[string]any{
				"rounds": rounds,
			})
			return nil
		}
		if maxTurns > 0 && s.countTurns() >= maxTurns {
			s.emitter.Emit(EventTurnLimit, map[string]any{
				"total_turns": s.countTurns(),
			})
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Inject queued steering messages before the LLM call.
		s.drainSteering()

		response, err := s.callLLM(ctx)
		if err != nil {
			if s.isAborted() {
				return nil
			}
			return fmt.Errorf("llm call: %w", err)
		}
		rounds++

		toolCalls := response.ToolCallsFromResponse()
		assistantTurn := NewAssistantTurn(
			response.Text(),
			toolCalls,
			response.Reasoning(),
			response.Usage,
			response.ID,
		)
		s.mu.Lock()
		s.history = append(s.history, assistantTurn)
		s.mu.Unlock()

		s.checkContextUsage()

		// A response without tool calls is terminal for this input.
		if len(toolCalls) == 0 {
			s.emitter.Emit(EventTurnComplete, map[string]any{
				"content": response.Text(),
				"rounds":  rounds,
			})

			s.mu.Lock()
			if len(s.followupQueue) > 0 {
				next := s.followupQueue[0]
				s.followupQueue = s.followupQueue[1:]
				s.mu.Unlock()
				return s.processInput(ctx, next)
			}
			s.mu.Unlock()
			return nil
		}

		results := s.executeToolCalls(ctx, toolCalls)
		s.mu.Lock()
		s.history = append(s.history, NewToolResultsTurn(results))
		enableLoop := s.config.EnableLoopDetection
		loopWindow := s.config.LoopDetectionWindow
		historyCopy := make([]Turn, len(s.history))
		copy(historyCopy, s.history)
		s.mu.Unlock()

		if enableLoop && DetectLoop(historyCopy, loopWindow) {
			s.emitter.Emit(EventLoopDetection, map[string]any{
				"window": loopWindow,
			})
			return nil
		}
	}
}

// callLLM issues one completion request, threading an abort token so Abort
// can cancel the in-flight call.
func (s *Session) callLLM(ctx context.Context) (*unifiedllm.Response, error) {
	projectDocs := DiscoverProjectDocs(s.env.WorkingDirectory(), s.profile.ID())
	systemPrompt := s.profile.BuildSystemPrompt(s.env, projectDocs)

	s.mu.Lock()
	if s.config.UserInstructions != "" {
		systemPrompt += "\n\n# User Instructions\n\n" + s.config.UserInstructions
	}
	reasoningEffort := s.config.ReasoningEffort
	client := s.llmClient
	s.mu.Unlock()

	messages := ConvertHistoryToMessages(s.History())

	toolDefs := s.profile.Tools()
	sdkToolDefs := make([]unifiedllm.ToolDefinition, len(toolDefs))
	for i, td := range toolDefs {
		sdkToolDefs[i] = unifiedllm.ToolDefinition{
			Name:        td.Name,
			Description: td.Description,
			Parameters:  td.Parameters,
		}
	}

	request := unifiedllm.Request{
		Model:           s.profile.ModelID(),
		Messages:        append([]unifiedllm.Message{unifiedllm.SystemMessage(systemPrompt)}, messages...),
		ToolDefs:        sdkToolDefs,
		ToolChoice:      &unifiedllm.ToolChoice{Mode: "auto"},
		ReasoningEffort: reasoningEffort,
		Provider:        s.profile.ID(),
		ProviderOptions: s.profile.ProviderOptions(),
	}

	callCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.abortLLM = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.abortLLM = nil
		s.mu.Unlock()
	}()

	s.emitter.Emit(EventLLMCallStart, map[string]any{
		"model": s.profile.ModelID(),
	})
	response, err := client.Complete(callCtx, request)
	if err != nil {
		s.emitter.Emit(EventLLMCallEnd, map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}
	s.emitter.Emit(EventLLMCallEnd, map[string]any{
		"response_id":   response.ID,
		"input_tokens":  response.Usage.InputTokens,
		"output_tokens": response.Usage.OutputTokens,
	})
	return response, nil
}

// drainSteering injects all queued steering messages into the history.
func (s *Session) drainSteering() {
	s.mu.Lock()
	messages := make([]string, len(s.steeringQueue))
	copy(messages, s.steeringQueue)
	s.steeringQueue = s.steeringQueue[:0]
	s.mu.Unlock()

	for _, msg := range messages {
		s.mu.Lock()
		s.history = append(s.history, NewSteeringTurn(msg))
		s.mu.Unlock()
		s.emitter.Emit(EventSteeringInjected, map[string]any{
			"content": msg,
		})
	}
}

// executeToolCalls dispatches tool calls through the registry, in parallel
// when the provider supports it, otherwise sequentially in authoring order.
func (s *Session) executeToolCalls(ctx context.Context, toolCalls []unifiedllm.ToolCall) []unifiedllm.ToolResult {
	if s.profile.SupportsParallelToolCalls() && len(toolCalls) > 1 {
		results := make([]unifiedllm.ToolResult, len(toolCalls))
		var wg sync.WaitGroup
		for i, tc := range toolCalls {
			wg.Add(1)
			go func(idx int, call unifiedllm.ToolCall) {
				defer wg.Done()
				results[idx] = s.executeSingleTool(ctx, call)
			}(i, tc)
		}
		wg.Wait()
		return results
	}

	results := make([]unifiedllm.ToolResult, len(toolCalls))
	for i, tc := range toolCalls {
		results[i] = s.executeSingleTool(ctx, tc)
	}
	return results
}

// executeSingleTool handles the full tool pipeline:
// validate -> execute -> truncate -> emit -> return.
func (s *Session) executeSingleTool(_ context.Context, toolCall unifiedllm.ToolCall) unifiedllm.ToolResult {
	registry := s.profile.ToolRegistry()
	registered := registry.Get(toolCall.Name)
	if registered == nil {
		return s.toolError(toolCall, fmt.Sprintf("Unknown tool: %s", toolCall.Name))
	}

	if v := registry.Validate(toolCall.Name, toolCall.Arguments); !v.Valid {
		return s.toolError(toolCall, fmt.Sprintf("Invalid arguments for %s: %s", toolCall.Name, v.Error))
	}

	s.emitter.Emit(EventToolCallStart, map[string]any{
		"tool_name": toolCall.Name,
		"call_id":   toolCall.ID,
	})

	rawOutput, err := registered.Executor(toolCall.Arguments, s.env)
	if err != nil {
		return s.toolError(toolCall, fmt.Sprintf("Tool error (%s): %v", toolCall.Name, err))
	}

	s.mu.Lock()
	charLimits := s.config.ToolOutputLimits
	lineLimits := s.config.ToolLineLimits
	s.mu.Unlock()
	truncated := TruncateToolOutput(rawOutput, toolCall.Name, charLimits, lineLimits)

	// The event stream carries the full output; only the LLM sees the
	// truncated form.
	s.emitter.Emit(EventToolCallEnd, map[string]any{
		"tool_name": toolCall.Name,
		"call_id":   toolCall.ID,
		"output":    rawOutput,
	})

	return unifiedllm.ToolResult{
		ToolCallID: toolCall.ID,
		Content:    truncated,
		IsError:    false,
	}
}

func (s *Session) toolError(toolCall unifiedllm.ToolCall, msg string) unifiedllm.ToolResult {
	s.emitter.Emit(EventToolCallError, map[string]any{
		"tool_name": toolCall.Name,
		"call_id":   toolCall.ID,
		"error":     msg,
	})
	return unifiedllm.ToolResult{
		ToolCallID: toolCall.ID,
		Content:    msg,
		IsError:    true,
	}
}

// countTurns returns the number of user and assistant turns in the history.
func (s *Session) countTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, turn := range s.history {
		if turn.Kind == TurnUser || turn.Kind == TurnAssistant {
			count++
		}
	}
	return count
}

// checkContextUsage emits a warning if context usage exceeds 80%.
func (s *Session) checkContextUsage() {
	s.mu.Lock()
	history := make([]Turn, len(s.history))
	copy(history, s.history)
	contextWindow := s.profile.ContextWindowSize()
	s.mu.Unlock()

	if contextWindow <= 0 {
		return
	}

	totalChars := 0
	for _, turn := range history {
		totalChars += len(turn.TextContent())
		if turn.Kind == TurnToolResults && turn.ToolResults != nil {
			for _, r := range turn.ToolResults.Results {
				if str, ok := r.Content.(string); ok {
					totalChars += len(str)
				}
			}
		}
	}

	approxTokens := totalChars / 4
	threshold := int(float64(contextWindow) * 0.8)
	if approxTokens > threshold {
		pct := int(float64(approxTokens) / float64(contextWindow) * 100)
		s.emitter.Emit(EventWarning, map[string]any{
			"message": fmt.Sprintf("Context usage at ~%d%% of context window", pct),
		})
	}
}
