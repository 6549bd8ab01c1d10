package reactive

import (
	"encoding/json"
	"sync"
)

// Computed is a read-only cell derived from a function over other cells.
//
// Evaluation is deferred until the first read or subscription. After that,
// any change to a cell read through Get during the last evaluation triggers
// a synchronous re-evaluation, and subscribers are notified when the result
// changes.
type Computed struct {
	fn func() any

	mu         sync.Mutex
	value      any
	evaluated  bool
	evaluating bool
	pending    bool
	disposed   bool
	deps       map[Cell]*Subscription

	subs subscribers
}

// NewComputed creates a derived cell over fn.
func NewComputed(fn func() any) *Computed {
	return &Computed{fn: fn}
}

// Get returns the current value, evaluating if needed, and records the read.
func (c *Computed) Get() any {
	record(c)
	return c.Peek()
}

// Peek returns the current value, evaluating if needed.
func (c *Computed) Peek() any {
	c.ensure()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Subscribe registers a change callback. The cell is evaluated first so its
// dependencies are live.
func (c *Computed) Subscribe(fn func(value any)) *Subscription {
	c.ensure()
	return c.subs.add(fn)
}

// Dependencies returns the number of cells the last evaluation read.
func (c *Computed) Dependencies() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deps)
}

// Dispose detaches the cell from its dependencies. The last value stays
// readable but is never recomputed.
func (c *Computed) Dispose() {
	c.mu.Lock()
	deps := c.deps
	c.deps = nil
	c.disposed = true
	c.mu.Unlock()

	for _, sub := range deps {
		sub.Dispose()
	}
}

// MarshalJSON encodes the plain current value.
func (c *Computed) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToPlain(c.Peek()))
}

func (c *Computed) ensure() {
	c.mu.Lock()
	done := c.evaluated || c.disposed
	c.mu.Unlock()
	if !done {
		c.evaluate()
	}
}

// evaluate runs fn, rewires dependency subscriptions and notifies on change.
// A change arriving while an evaluation is in progress schedules another pass
// instead of re-entering.
func (c *Computed) evaluate() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	if c.evaluating {
		c.pending = true
		c.mu.Unlock()
		return
	}
	c.evaluating = true
	c.mu.Unlock()

	for {
		f := &frame{deps: make(map[Cell]struct{})}
		beginFrame(f)
		value := c.run()
		endFrame()

		c.mu.Lock()
		oldDeps := c.deps
		c.mu.Unlock()

		newDeps := make(map[Cell]*Subscription, len(f.order))
		for _, dep := range f.order {
			if dep == Cell(c) {
				continue
			}
			if sub, ok := oldDeps[dep]; ok {
				newDeps[dep] = sub
				delete(oldDeps, dep)
				continue
			}
			newDeps[dep] = dep.Subscribe(func(any) { c.evaluate() })
		}
		for _, sub := range oldDeps {
			sub.Dispose()
		}

		c.mu.Lock()
		old, had := c.value, c.evaluated
		c.value = value
		c.evaluated = true
		c.deps = newDeps
		again := c.pending
		c.pending = false
		if !again {
			c.evaluating = false
		}
		c.mu.Unlock()

		if had && !primitiveEqual(old, value) {
			c.subs.notify(value)
		}
		if !again {
			return
		}
	}
}

// run calls fn, making sure the frame stack is popped even on panic.
func (c *Computed) run() (value any) {
	defer func() {
		if r := recover(); r != nil {
			endFrame()
			c.mu.Lock()
			c.evaluating = false
			c.pending = false
			c.mu.Unlock()
			panic(r)
		}
	}()
	return c.fn()
}

var _ Cell = (*Computed)(nil)
