package agentloop

import (
	"context"
	"log/slog"
	"time"

	"github.com/strongdm/attractor/events"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventSessionStart       EventKind = "session_start"
	EventSessionEnd         EventKind = "session_end"
	EventUserInput          EventKind = "user_input"
	EventLLMCallStart       EventKind = "llm_call_start"
	EventLLMCallEnd         EventKind = "llm_call_end"
	EventAssistantTextDelta EventKind = "assistant_text_delta"
	EventToolCallStart      EventKind = "tool_call_start"
	EventToolCallEnd        EventKind = "tool_call_end"
	EventToolCallError      EventKind = "tool_call_error"
	EventSteeringInjected   EventKind = "steering_injected"
	EventTurnComplete       EventKind = "turn_complete"
	EventTurnLimit          EventKind = "turn_limit"
	EventLoopDetection      EventKind = "loop_detection"
	EventSubagentSpawn      EventKind = "subagent_spawn"
	EventSubagentComplete   EventKind = "subagent_complete"
	EventWarning            EventKind = "warning"
	EventError              EventKind = "error"
)

// SessionEvent is a typed event emitted by the agent loop.
type SessionEvent struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter publishes session events to registered listeners and streams.
// It wraps the shared emitter with session identity and timestamping.
type EventEmitter struct {
	sessionID string
	hub       *events.Emitter[SessionEvent]
}

// NewEventEmitter creates an emitter for the given session.
func NewEventEmitter(sessionID string, logger *slog.Logger) *EventEmitter {
	kindOf := func(e SessionEvent) string { return string(e.Kind) }
	return &EventEmitter{
		sessionID: sessionID,
		hub:       events.NewEmitter(kindOf, string(EventSessionEnd), logger),
	}
}

// Emit publishes an event with the current timestamp.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) {
	e.hub.Emit(SessionEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		Data:      data,
	})
}

// On registers a listener for a single event kind. The returned handle
// deregisters it.
func (e *EventEmitter) On(kind EventKind, fn func(SessionEvent)) events.Subscription {
	return e.hub.On(string(kind), fn)
}

// OnAny registers a wildcard listener invoked after per-kind listeners.
func (e *EventEmitter) OnAny(fn func(SessionEvent)) events.Subscription {
	return e.hub.On(events.Wildcard, fn)
}

// SetBuffered toggles buffering mode; buffered events are held until Flush.
func (e *EventEmitter) SetBuffered(on bool) { e.hub.SetBuffered(on) }

// Flush delivers buffered events in emit order.
func (e *EventEmitter) Flush() { e.hub.Flush() }

// RemoveAllListeners drops all registered listeners.
func (e *EventEmitter) RemoveAllListeners() { e.hub.RemoveAllListeners() }

// Stream returns a cancellable event feed that completes after SESSION_END.
// An optional kind filter restricts the yielded kinds.
func (e *EventEmitter) Stream(ctx context.Context, kinds ...EventKind) <-chan SessionEvent {
	strs := make([]string, len(kinds))
	for i, k := range kinds {
		strs[i] = string(k)
	}
	return e.hub.Stream(ctx, strs...)
}
