// Package reactive provides observable value cells with automatic dependency
// tracking for derived values.
//
// Three kinds of cell exist:
//
//   - Observable: holds a single value, notifies subscribers on change.
//   - Array: an ordered, mutable sequence with bulk append support.
//   - Computed: a read-only value derived from a function over other cells.
//
// A Computed records every cell read through Get while its function runs and
// re-evaluates when any of them changes. Reads through Peek are never tracked.
//
// Cells are safe for concurrent use. Reads are tracked per goroutine, so
// Computed cells evaluating on different goroutines at the same time each
// record only their own dependencies.
package reactive

import (
	"encoding/json"
	"reflect"
	"sync"
)

// Cell is a readable, observable value.
type Cell interface {
	// Get returns the current value and records the read as a dependency
	// of the Computed currently being evaluated, if any.
	Get() any

	// Peek returns the current value without recording a dependency.
	Peek() any

	// Subscribe registers fn to be called with the new value after each change.
	Subscribe(fn func(value any)) *Subscription
}

// Writable is a Cell whose value can be replaced.
type Writable interface {
	Cell
	Set(value any)
}

// Snapshotter is implemented by values that know how to produce their own
// plain, non-reactive representation (for example a nested view-model).
type Snapshotter interface {
	Snapshot() any
}

// IsObservable reports whether v is a reactive cell of any kind.
func IsObservable(v any) bool {
	_, ok := v.(Cell)
	return ok
}

// IsWritable reports whether v is a cell that accepts writes.
func IsWritable(v any) bool {
	_, ok := v.(Writable)
	return ok
}

// IsComputed reports whether v is a derived cell.
func IsComputed(v any) bool {
	_, ok := v.(*Computed)
	return ok
}

// ToPlain recursively unwraps cells, slices and maps into plain values.
// Reads are tracked, so calling ToPlain inside a Computed makes every
// visited cell a dependency.
func ToPlain(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case Cell:
		return ToPlain(t.Get())
	case Snapshotter:
		return t.Snapshot()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = ToPlain(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = ToPlain(item)
		}
		return out
	default:
		return v
	}
}

// ToJSON serializes the plain shape of v.
func ToJSON(v any) ([]byte, error) {
	return json.Marshal(ToPlain(v))
}

// AsSlice converts any slice or array value into a fresh []any.
// The second return value is false when v is not a sequence.
func AsSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		out := make([]any, len(items))
		copy(out, items)
		return out, true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	default:
		return nil, false
	}
}

// IsSequence reports whether v is a slice or array (but not a byte string).
func IsSequence(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := v.([]byte); ok {
		return false
	}
	kind := reflect.TypeOf(v).Kind()
	return kind == reflect.Slice || kind == reflect.Array
}

// primitiveEqual reports whether a and b are equal primitive values.
// Non-primitive values are never considered equal, so writing a map or
// slice always notifies.
func primitiveEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch a.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return a == b
	default:
		return false
	}
}

// Subscription is a handle to a registered change callback.
type Subscription struct {
	once    sync.Once
	dispose func()
}

// Dispose removes the callback. It is safe to call more than once.
func (s *Subscription) Dispose() {
	if s == nil || s.dispose == nil {
		return
	}
	s.once.Do(s.dispose)
}

// subscribers is an ordered callback list shared by all cell kinds.
type subscribers struct {
	mu    sync.Mutex
	next  uint64
	fns   map[uint64]func(any)
	order []uint64
}

func (s *subscribers) add(fn func(any)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		s.fns = make(map[uint64]func(any))
	}
	s.next++
	id := s.next
	s.fns[id] = fn
	s.order = append(s.order, id)

	return &Subscription{dispose: func() { s.remove(id) }}
}

func (s *subscribers) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.fns, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *subscribers) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

// notify calls every callback in registration order, outside the lock so
// callbacks may subscribe or dispose freely.
func (s *subscribers) notify(value any) {
	s.mu.Lock()
	fns := make([]func(any), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.fns[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}
