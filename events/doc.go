// Package events provides the typed publish/subscribe emitter shared by the
// agent loop and the pipeline engine.
//
// An Emitter fans events out synchronously to per-kind listeners, then to
// wildcard listeners, in registration order. Listener panics are isolated and
// logged so one misbehaving listener cannot starve the rest. A buffering mode
// queues emits until Flush, and Stream exposes the event feed as a lazy,
// cancellable channel that completes once the emitter's terminal kind has
// been delivered.
package events
