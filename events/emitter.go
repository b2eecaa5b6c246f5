package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Wildcard subscribes a listener to every kind.
const Wildcard = "*"

// Listener receives published events.
type Listener[E any] func(E)

// Subscription deregisters the listener it was returned for. Calling it more
// than once is a no-op.
type Subscription func()

type entry[E any] struct {
	id int
	fn Listener[E]
}

// Emitter is a synchronous, in-order publish/subscribe hub. The kind of an
// event is derived by the kindOf function supplied at construction; the
// terminal kind marks the end of the event feed for Stream consumers.
type Emitter[E any] struct {
	kindOf   func(E) string
	terminal string
	logger   *slog.Logger

	mu        sync.Mutex
	nextID    int
	listeners map[string][]entry[E]
	buffering bool
	buffer    []E
}

// NewEmitter creates an emitter. kindOf must not be nil. terminalKind may be
// empty when the feed has no terminal event; Stream channels then only close
// on cancellation. logger may be nil, in which case slog.Default() is used
// for listener error isolation.
func NewEmitter[E any](kindOf func(E) string, terminalKind string, logger *slog.Logger) *Emitter[E] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter[E]{
		kindOf:    kindOf,
		terminal:  terminalKind,
		logger:    logger,
		listeners: make(map[string][]entry[E]),
	}
}

// On registers a listener for a single kind (or Wildcard) and returns its
// deregistration handle.
func (e *Emitter[E]) On(kind string, fn Listener[E]) Subscription {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[kind] = append(e.listeners[kind], entry[E]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			kept := e.listeners[kind][:0]
			for _, ent := range e.listeners[kind] {
				if ent.id != id {
					kept = append(kept, ent)
				}
			}
			if len(kept) == 0 {
				delete(e.listeners, kind)
			} else {
				e.listeners[kind] = kept
			}
		})
	}
}

// Emit publishes an event. In buffering mode the event is queued; otherwise
// it is dispatched synchronously before Emit returns.
func (e *Emitter[E]) Emit(ev E) {
	e.mu.Lock()
	if e.buffering {
		e.buffer = append(e.buffer, ev)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.dispatch(ev)
}

// SetBuffered toggles buffering mode. Events emitted while buffered are held
// in FIFO order until Flush.
func (e *Emitter[E]) SetBuffered(on bool) {
	e.mu.Lock()
	e.buffering = on
	e.mu.Unlock()
}

// Flush delivers all buffered events in emit order and clears the queue.
func (e *Emitter[E]) Flush() {
	e.mu.Lock()
	queued := e.buffer
	e.buffer = nil
	e.mu.Unlock()
	for _, ev := range queued {
		e.dispatch(ev)
	}
}

// RemoveAllListeners drops every registered listener, including the internal
// subscriptions of streams already started: such a stream receives no later
// events, so unless it saw its terminal event before the call it closes only
// when its context is cancelled.
func (e *Emitter[E]) RemoveAllListeners() {
	e.mu.Lock()
	e.listeners = make(map[string][]entry[E])
	e.mu.Unlock()
}

func (e *Emitter[E]) dispatch(ev E) {
	kind := e.kindOf(ev)
	e.mu.Lock()
	targets := make([]entry[E], 0, len(e.listeners[kind])+len(e.listeners[Wildcard]))
	targets = append(targets, e.listeners[kind]...)
	targets = append(targets, e.listeners[Wildcard]...)
	e.mu.Unlock()

	for _, ent := range targets {
		e.safeInvoke(ent.fn, ev, kind)
	}
}

func (e *Emitter[E]) safeInvoke(fn Listener[E], ev E, kind string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked",
				slog.String("kind", kind),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(ev)
}

// Stream returns a channel that yields events as they are emitted. When kinds
// are given, only events of those kinds are yielded; the terminal event still
// ends the stream whether or not it passes the filter. The channel closes
// after the terminal kind has been delivered or when ctx is cancelled. The
// consumer blocks cooperatively while idle; emitters are never blocked by a
// slow consumer.
func (e *Emitter[E]) Stream(ctx context.Context, kinds ...string) <-chan E {
	wanted := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}

	var (
		qmu    sync.Mutex
		queue  []E
		done   bool
		notify = make(chan struct{}, 1)
	)
	ping := func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	}

	unsub := e.On(Wildcard, func(ev E) {
		kind := e.kindOf(ev)
		qmu.Lock()
		if !done {
			if len(wanted) == 0 || wanted[kind] {
				queue = append(queue, ev)
			}
			if e.terminal != "" && kind == e.terminal {
				done = true
			}
		}
		qmu.Unlock()
		ping()
	})

	out := make(chan E)
	go func() {
		defer close(out)
		defer unsub()
		for {
			qmu.Lock()
			pending := queue
			queue = nil
			finished := done
			qmu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			if finished {
				return
			}
			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
