// Package agentloop implements the session-scoped driver for a tool-using
// coding agent.
//
// A Session owns the conversation history, a provider profile, an execution
// environment, a tool registry, and an event emitter. Submit runs a bounded
// loop of rounds: inject steering, call the LLM, dispatch tool calls,
// truncate outputs, and check limits, until the model produces a terminal
// turn or a bound triggers. Every observable step is surfaced as a typed
// SessionEvent.
//
// The package is organized around these core concepts:
//
//   - Session: the central orchestrator holding conversation state,
//     dispatching tool calls, managing events, and enforcing limits.
//   - ProviderProfile: provider-aligned tool and prompt configuration
//     (OpenAI, Anthropic, Gemini).
//   - ExecutionEnvironment: abstraction for where tools run.
//   - ToolRegistry: registration, schema validation, and dispatch of tools.
//   - SubAgentManager: detached child sessions with a nesting-depth cap.
//
// # Quick Start
//
//	profile := agentloop.NewAnthropicProfile("claude-sonnet-4-5")
//	env := agentloop.NewLocalExecutionEnvironment("/path/to/project")
//	session := agentloop.NewSession(profile, env, nil)
//	events := session.Events() // subscribe before submitting
//
//	if err := session.Submit(ctx, "Create a hello.py file"); err != nil {
//	    log.Fatal(err)
//	}
//	session.Close() // emits SESSION_END, which ends the stream
//
//	for event := range events {
//	    fmt.Printf("[%s] %v\n", event.Kind, event.Data)
//	}
package agentloop
