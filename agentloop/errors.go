package agentloop

import "errors"

// Usage errors: the caller violated a precondition. These are returned
// synchronously and never terminate the session.
var (
	// ErrSessionClosed is returned when an operation targets a closed session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrInvalidState is returned when Submit is called while another Submit
	// is still processing.
	ErrInvalidState = errors.New("session is already processing input")

	// ErrSubagentDepth is returned when spawning would exceed the configured
	// maximum subagent nesting depth.
	ErrSubagentDepth = errors.New("maximum subagent depth reached")

	// ErrSubagentNotFound is returned for operations on unknown subagent IDs.
	ErrSubagentNotFound = errors.New("subagent not found")
)
