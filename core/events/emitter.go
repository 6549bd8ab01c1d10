package events

import (
	"strings"
	"sync"
)

// AllEvents is the event name whose listeners observe every trigger.
// They receive the triggered event name as their first argument.
const AllEvents = "all"

// Listener handles a local event.
type Listener func(args ...any)

// ListenerID identifies a registered listener.
type ListenerID uint64

type listener struct {
	id   ListenerID
	fn   Listener
	once bool
}

// Emitter is an instance-scoped local event dispatcher.
// Event strings may name several space-separated events.
type Emitter struct {
	mu        sync.Mutex
	nextID    ListenerID
	listeners map[string][]*listener
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]*listener)}
}

// On registers fn for every event named in events.
func (e *Emitter) On(events string, fn Listener) ListenerID {
	return e.add(events, fn, false)
}

// Once registers fn to run at most once per named event.
func (e *Emitter) Once(events string, fn Listener) ListenerID {
	return e.add(events, fn, true)
}

func (e *Emitter) add(events string, fn Listener, once bool) ListenerID {
	if fn == nil {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	for _, name := range splitEvents(events) {
		e.listeners[name] = append(e.listeners[name], &listener{id: id, fn: fn, once: once})
	}
	return id
}

// Off removes listeners.
// An empty events string matches every event; a zero id matches every
// listener of the named events.
func (e *Emitter) Off(events string, id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := splitEvents(events)
	if len(names) == 0 {
		for name := range e.listeners {
			names = append(names, name)
		}
	}

	for _, name := range names {
		if id == 0 {
			delete(e.listeners, name)
			continue
		}
		e.removeLocked(name, id)
	}
}

// Trigger calls the listeners of each named event with args, then the
// "all" listeners with the event name prepended.
func (e *Emitter) Trigger(events string, args ...any) {
	for _, name := range splitEvents(events) {
		for _, l := range e.take(name) {
			l.fn(args...)
		}
		if name == AllEvents {
			continue
		}
		if all := e.take(AllEvents); len(all) > 0 {
			withName := append([]any{name}, args...)
			for _, l := range all {
				l.fn(withName...)
			}
		}
	}
}

// Listeners returns the number of listeners registered for event.
func (e *Emitter) Listeners(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

// take snapshots the listeners of name, dropping once-listeners.
func (e *Emitter) take(name string) []*listener {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.listeners[name]
	if len(current) == 0 {
		return nil
	}
	out := make([]*listener, len(current))
	copy(out, current)

	for _, l := range current {
		if l.once {
			e.removeLocked(name, l.id)
		}
	}
	return out
}

func (e *Emitter) removeLocked(name string, id ListenerID) {
	current := e.listeners[name]
	kept := current[:0:0]
	for _, l := range current {
		if l.id != id {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(e.listeners, name)
		return
	}
	e.listeners[name] = kept
}

func splitEvents(events string) []string {
	return strings.Fields(events)
}
