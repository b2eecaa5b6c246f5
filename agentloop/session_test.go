package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/strongdm/attractor/unifiedllm"
)

// scriptedAdapter returns canned responses in order, then repeats the last.
type scriptedAdapter struct {
	responses []*unifiedllm.Response
	mu        sync.Mutex
	calls     int
}

func (a *scriptedAdapter) Name() string { return "anthropic" }

func (a *scriptedAdapter) Complete(_ context.Context, _ unifiedllm.Request) (*unifiedllm.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.calls
	a.calls++
	if idx >= len(a.responses) {
		idx = len(a.responses) - 1
	}
	return a.responses[idx], nil
}

func (a *scriptedAdapter) Stream(_ context.Context, _ unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	ch := make(chan unifiedllm.StreamEvent)
	close(ch)
	return ch, nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func textResponse(text string) *unifiedllm.Response {
	return &unifiedllm.Response{
		ID:           "resp-text",
		Message:      unifiedllm.AssistantMessage(text),
		FinishReason: unifiedllm.FinishReason{Reason: "stop"},
		Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func toolCallResponse(callID, tool string, args string) *unifiedllm.Response {
	msg := unifiedllm.AssistantMessage("")
	msg.Content = append(msg.Content, unifiedllm.ToolCallPart(callID, tool, json.RawMessage(args)))
	return &unifiedllm.Response{
		ID:           "resp-" + callID,
		Message:      msg,
		FinishReason: unifiedllm.FinishReason{Reason: "tool_calls"},
	}
}

func newTestSession(t *testing.T, adapter *scriptedAdapter, config *SessionConfig) *Session {
	t.Helper()
	profile := NewAnthropicProfile("claude-sonnet-4-5")
	env := NewLocalExecutionEnvironment(t.TempDir())
	session := NewSession(profile, env, config)
	session.SetClient(unifiedllm.NewClient(unifiedllm.WithProvider("anthropic", adapter)))
	t.Cleanup(session.Close)
	return session
}

func collectKinds(s *Session) *[]EventKind {
	var mu sync.Mutex
	kinds := &[]EventKind{}
	s.Emitter().OnAny(func(e SessionEvent) {
		mu.Lock()
		*kinds = append(*kinds, e.Kind)
		mu.Unlock()
	})
	return kinds
}

func hasKind(kinds []EventKind, want EventKind) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func TestSubmitHappyPath(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*unifiedllm.Response{textResponse("done")}}
	session := newTestSession(t, adapter, nil)
	kinds := collectKinds(session)

	if err := session.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	history := session.History()
	if len(history) != 2 {
		t.Fatalf("expected user + assistant turns, got %d", len(history))
	}
	if history[0].Kind != TurnUser || history[1].Kind != TurnAssistant {
		t.Fatalf("unexpected turn kinds: %s, %s", history[0].Kind, history[1].Kind)
	}
	if history[1].Assistant.Content != "done" {
		t.Fatalf("unexpected assistant content: %q", history[1].Assistant.Content)
	}
	if session.State() != StateIdle {
		t.Fatalf("expected idle state, got %s", session.State())
	}
	for _, want := range []EventKind{EventUserInput, EventLLMCallStart, EventLLMCallEnd, EventTurnComplete} {
		if !hasKind(*kinds, want) {
			t.Errorf("missing event %s in %v", want, *kinds)
		}
	}
}

func TestSubmitToolRound(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*unifiedllm.Response{
		toolCallResponse("c1", "echo", `{"text":"hello"}`),
		textResponse("finished"),
	}}
	session := newTestSession(t, adapter, nil)
	session.profile.ToolRegistry().Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "echo",
			Description: "Echo text back.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []any{"text"},
			},
		},
		Executor: func(arguments json.RawMessage, _ ExecutionEnvironment) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			text, _ := GetStringArg(args, "text")
			return text, nil
		},
	})
	kinds := collectKinds(session)

	if err := session.Submit(context.Background(), "run echo"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	history := session.History()
	// user, assistant(tool call), tool results, assistant(final)
	if len(history) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(history))
	}
	if history[2].Kind != TurnToolResults {
		t.Fatalf("expected tool results turn, got %s", history[2].Kind)
	}
	results := history[2].ToolResults.Results
	if len(results) != 1 || results[0].Content != "hello" || results[0].IsError {
		t.Fatalf("unexpected tool results: %+v", results)
	}
	if !hasKind(*kinds, EventToolCallStart) || !hasKind(*kinds, EventToolCallEnd) {
		t.Errorf("missing tool call events: %v", *kinds)
	}
}

func TestToolArgumentValidationFailure(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*unifiedllm.Response{
		toolCallResponse("c1", "echo", `{"text":42}`),
		textResponse("finished"),
	}}
	session := newTestSession(t, adapter, nil)
	session.profile.ToolRegistry().Register(RegisteredTool{
		Definition: ToolDefinition{
			Name: "echo",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []any{"text"},
			},
		},
		Executor: func(json.RawMessage, ExecutionEnvironment) (string, error) {
			t.Fatal("executor must not run on invalid arguments")
			return "", nil
		},
	})
	kinds := collectKinds(session)

	if err := session.Submit(context.Background(), "run echo"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	history := session.History()
	results := history[2].ToolResults.Results
	if !results[0].IsError {
		t.Fatal("expected error tool result for invalid arguments")
	}
	if !hasKind(*kinds, EventToolCallError) {
		t.Errorf("missing tool_call_error event: %v", *kinds)
	}
	// Validation happens before the start event, so a rejected call never
	// announces itself as started.
	if hasKind(*kinds, EventToolCallStart) {
		t.Errorf("tool_call_start emitted for an invalid call: %v", *kinds)
	}
}

func TestTurnLimitBoundsLLMCalls(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*unifiedllm.Response{
		toolCallResponse("c1", "noop", `{}`),
	}}
	cfg := DefaultSessionConfig()
	cfg.MaxToolRoundsPerInput = 3
	session := newTestSession(t, adapter, &cfg)
	session.profile.ToolRegistry().Register(RegisteredTool{
		Definition: ToolDefinition{Name: "noop"},
		Executor: func(json.RawMessage, ExecutionEnvironment) (string, error) {
			return "ok", nil
		},
	})
	kinds := collectKinds(session)

	if err := session.Submit(context.Background(), "loop forever"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if got := adapter.callCount(); got > 3 {
		t.Fatalf("expected at most 3 LLM calls, got %d", got)
	}
	if !hasKind(*kinds, EventTurnLimit) {
		t.Errorf("missing turn_limit event: %v", *kinds)
	}
	if session.State() != StateIdle {
		t.Fatalf("expected idle state after limit, got %s", session.State())
	}
}

func TestLoopDetectionExitsRound(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*unifiedllm.Response{
		toolCallResponse("c1", "noop", `{"n":1}`),
	}}
	cfg := DefaultSessionConfig()
	cfg.EnableLoopDetection = true
	cfg.LoopDetectionWindow = 10
	session := newTestSession(t, adapter, &cfg)
	session.profile.ToolRegistry().Register(RegisteredTool{
		Definition: ToolDefinition{Name: "noop"},
		Executor: func(json.RawMessage, ExecutionEnvironment) (string, error) {
			return "ok", nil
		},
	})
	kinds := collectKinds(session)

	if err := session.Submit(context.Background(), "spin"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if !hasKind(*kinds, EventLoopDetection) {
		t.Fatalf("missing loop_detection event: %v", *kinds)
	}
	// Three identical consecutive calls trip the detector.
	if got := adapter.callCount(); got != 3 {
		t.Fatalf("expected 3 LLM calls before detection, got %d", got)
	}
}

func TestSteeringInjectedBeforeNextCall(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*unifiedllm.Response{textResponse("done")}}
	session := newTestSession(t, adapter, nil)
	session.Steer("focus on tests")
	kinds := collectKinds(session)

	if err := session.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if !hasKind(*kinds, EventSteeringInjected) {
		t.Errorf("missing steering_injected event: %v", *kinds)
	}
	history := session.History()
	if history[1].Kind != TurnSteering {
		t.Fatalf("expected steering turn before LLM call, got %s", history[1].Kind)
	}
}

func TestFollowUpProcessedAfterCompletion(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*unifiedllm.Response{textResponse("done")}}
	session := newTestSession(t, adapter, nil)
	session.FollowUp("and then this")

	if err := session.Submit(context.Background(), "first"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	userTurns := 0
	for _, turn := range session.History() {
		if turn.Kind == TurnUser {
			userTurns++
		}
	}
	if userTurns != 2 {
		t.Fatalf("expected follow-up to become a second user turn, got %d user turns", userTurns)
	}
}

func TestSubmitOnClosedSession(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*unifiedllm.Response{textResponse("done")}}
	session := newTestSession(t, adapter, nil)
	session.Close()

	err := session.Submit(context.Background(), "hi")
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestCloseEmitsSessionEndOnce(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*unifiedllm.Response{textResponse("done")}}
	session := newTestSession(t, adapter, nil)

	ends := 0
	session.Emitter().On(EventSessionEnd, func(SessionEvent) { ends++ })

	session.Close()
	session.Close()

	if ends != 1 {
		t.Fatalf("expected exactly one session_end, got %d", ends)
	}
	if session.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", session.State())
	}
}

func TestEventStreamCompletesAfterClose(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*unifiedllm.Response{textResponse("done")}}
	session := newTestSession(t, adapter, nil)
	stream := session.Events()

	if err := session.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	session.Close()

	var last EventKind
	for ev := range stream {
		last = ev.Kind
	}
	if last != EventSessionEnd {
		t.Fatalf("expected session_end to be the final streamed event, got %s", last)
	}
}
