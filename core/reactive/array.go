package reactive

import (
	"encoding/json"
	"sync"
)

// Constructor builds a collection element from raw item data.
type Constructor func(item any) any

// Array is a reactive ordered sequence.
type Array struct {
	mu    sync.RWMutex
	items []any
	subs  subscribers
}

// NewArray creates an array holding a shallow copy of items.
func NewArray(items []any) *Array {
	cp := make([]any, len(items))
	copy(cp, items)
	return &Array{items: cp}
}

// Get returns a copy of the elements and records the read.
func (a *Array) Get() any {
	return a.Items()
}

// Peek returns a copy of the elements without recording the read.
func (a *Array) Peek() any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot()
}

// Items returns a copy of the elements and records the read.
func (a *Array) Items() []any {
	record(a)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot()
}

// Len returns the number of elements and records the read.
func (a *Array) Len() int {
	record(a)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}

// At returns the element at index i, or nil when out of range.
func (a *Array) At(i int) any {
	record(a)
	a.mu.RLock()
	defer a.mu.RUnlock()
	if i < 0 || i >= len(a.items) {
		return nil
	}
	return a.items[i]
}

// Set replaces every element. Non-sequence values become a single element.
func (a *Array) Set(value any) {
	items, ok := AsSlice(value)
	if !ok {
		if value == nil {
			items = []any{}
		} else {
			items = []any{value}
		}
	}
	a.mutate(func() {
		a.items = items
	})
}

// Push appends items in order.
func (a *Array) Push(items ...any) {
	if len(items) == 0 {
		return
	}
	a.mutate(func() {
		a.items = append(a.items, items...)
	})
}

// PushAll appends every item in order. When ctor is non-nil each item is
// passed through it first.
func (a *Array) PushAll(items []any, ctor Constructor) {
	a.Push(BuildCollection(items, ctor)...)
}

// Splice removes deleteCount elements starting at start and inserts items in
// their place. It returns the removed elements.
func (a *Array) Splice(start, deleteCount int, items ...any) []any {
	var removed []any
	a.mutate(func() {
		n := len(a.items)
		if start < 0 {
			start += n
			if start < 0 {
				start = 0
			}
		}
		if start > n {
			start = n
		}
		if deleteCount < 0 {
			deleteCount = 0
		}
		if start+deleteCount > n {
			deleteCount = n - start
		}

		removed = make([]any, deleteCount)
		copy(removed, a.items[start:start+deleteCount])

		next := make([]any, 0, n-deleteCount+len(items))
		next = append(next, a.items[:start]...)
		next = append(next, items...)
		next = append(next, a.items[start+deleteCount:]...)
		a.items = next
	})
	return removed
}

// Pop removes and returns the last element, or nil when empty.
func (a *Array) Pop() any {
	a.mu.RLock()
	n := len(a.items)
	a.mu.RUnlock()
	if n == 0 {
		return nil
	}
	removed := a.Splice(n-1, 1)
	if len(removed) == 0 {
		return nil
	}
	return removed[0]
}

// RemoveAll empties the array and returns the removed elements.
func (a *Array) RemoveAll() []any {
	var removed []any
	a.mutate(func() {
		removed = a.items
		a.items = []any{}
	})
	return removed
}

// Subscribe registers a change callback; it receives a copy of the elements.
func (a *Array) Subscribe(fn func(value any)) *Subscription {
	return a.subs.add(fn)
}

// MarshalJSON encodes the plain elements.
func (a *Array) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToPlain(a.Peek()))
}

func (a *Array) mutate(fn func()) {
	a.mu.Lock()
	fn()
	items := a.snapshot()
	a.mu.Unlock()

	a.subs.notify(items)
}

func (a *Array) snapshot() []any {
	out := make([]any, len(a.items))
	copy(out, a.items)
	return out
}

// BuildCollection returns a new slice of items, each passed through ctor when
// ctor is non-nil.
func BuildCollection(items []any, ctor Constructor) []any {
	out := make([]any, len(items))
	for i, item := range items {
		if ctor != nil {
			item = ctor(item)
		}
		out[i] = item
	}
	return out
}

var _ Writable = (*Array)(nil)
