package reactive

import (
	"encoding/json"
	"sync"
)

// Observable is a reactive scalar cell.
type Observable struct {
	mu    sync.RWMutex
	value any
	subs  subscribers
}

// NewObservable creates an observable holding initial.
func NewObservable(initial any) *Observable {
	return &Observable{value: initial}
}

// Get returns the current value and records the read.
func (o *Observable) Get() any {
	record(o)
	return o.Peek()
}

// Peek returns the current value without recording the read.
func (o *Observable) Peek() any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value
}

// Set replaces the value. Subscribers are notified unless the old and new
// values are equal primitives.
func (o *Observable) Set(value any) {
	o.mu.Lock()
	if primitiveEqual(o.value, value) {
		o.mu.Unlock()
		return
	}
	o.value = value
	o.mu.Unlock()

	o.subs.notify(value)
}

// Subscribe registers a change callback.
func (o *Observable) Subscribe(fn func(value any)) *Subscription {
	return o.subs.add(fn)
}

// Subscribers returns the number of registered callbacks.
func (o *Observable) Subscribers() int {
	return o.subs.count()
}

// MarshalJSON encodes the plain current value.
func (o *Observable) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToPlain(o.Peek()))
}

var _ Writable = (*Observable)(nil)
