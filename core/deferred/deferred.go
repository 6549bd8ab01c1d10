// Package deferred provides the in-flight call handle returned by transports.
//
// A Deferred is settled exactly once, either resolved with a value or rejected
// with an error. Callbacks registered before settlement run in registration
// order when it settles; callbacks registered afterwards run immediately.
// Transports settle deferreds when a response arrives; tests settle them by
// hand with Resolve and Reject.
package deferred

import (
	"context"
	"errors"
	"sync"
)

// State is the settlement state of a Deferred.
type State int

const (
	// Pending means the call has not settled yet.
	Pending State = iota

	// Resolved means the call succeeded.
	Resolved

	// Rejected means the call failed.
	Rejected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ErrRejected is the error reported when Reject is called with a nil error.
var ErrRejected = errors.New("deferred: rejected")

// Result is the outcome passed to settle callbacks.
type Result struct {
	Value any
	Err   error
}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Err == nil
}

type callback struct {
	onSuccess func(any)
	onFailure func(error)
	onSettle  func(Result)
}

// Deferred is a single-settlement call handle.
type Deferred struct {
	mu        sync.Mutex
	state     State
	result    Result
	callbacks []callback
	done      chan struct{}
}

// New creates a pending Deferred.
func New() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// ResolvedWith returns an already resolved Deferred.
func ResolvedWith(value any) *Deferred {
	d := New()
	d.Resolve(value)
	return d
}

// RejectedWith returns an already rejected Deferred.
func RejectedWith(err error) *Deferred {
	d := New()
	d.Reject(err)
	return d
}

// OnSuccess registers fn to run with the value when the call resolves.
func (d *Deferred) OnSuccess(fn func(value any)) *Deferred {
	return d.add(callback{onSuccess: fn})
}

// OnFailure registers fn to run with the error when the call is rejected.
func (d *Deferred) OnFailure(fn func(err error)) *Deferred {
	return d.add(callback{onFailure: fn})
}

// OnSettle registers fn to run with the result however the call settles.
func (d *Deferred) OnSettle(fn func(result Result)) *Deferred {
	return d.add(callback{onSettle: fn})
}

// Resolve settles the call successfully. It returns false if the call had
// already settled.
func (d *Deferred) Resolve(value any) bool {
	return d.settle(Resolved, Result{Value: value})
}

// Reject settles the call with err. It returns false if the call had
// already settled.
func (d *Deferred) Reject(err error) bool {
	if err == nil {
		err = ErrRejected
	}
	return d.settle(Rejected, Result{Err: err})
}

// State returns the current settlement state.
func (d *Deferred) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Done returns a channel closed when the call settles.
func (d *Deferred) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the call settles or ctx is done. Callbacks may still
// be running when it returns.
func (d *Deferred) Wait(ctx context.Context) (any, error) {
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.result.Value, d.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled blocks until the call settles and every callback registered
// before it has run, or ctx is done. Use it instead of Wait when the
// caller must observe the effects of those callbacks.
func (d *Deferred) Settled(ctx context.Context) (any, error) {
	results := make(chan Result, 1)
	d.OnSettle(func(result Result) { results <- result })

	select {
	case result := <-results:
		return result.Value, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Deferred) add(cb callback) *Deferred {
	d.mu.Lock()
	if d.state == Pending {
		d.callbacks = append(d.callbacks, cb)
		d.mu.Unlock()
		return d
	}
	state, result := d.state, d.result
	d.mu.Unlock()

	run(cb, state, result)
	return d
}

func (d *Deferred) settle(state State, result Result) bool {
	d.mu.Lock()
	if d.state != Pending {
		d.mu.Unlock()
		return false
	}
	d.state = state
	d.result = result
	callbacks := d.callbacks
	d.callbacks = nil
	close(d.done)
	d.mu.Unlock()

	for _, cb := range callbacks {
		run(cb, state, result)
	}
	return true
}

func run(cb callback, state State, result Result) {
	switch {
	case cb.onSuccess != nil && state == Resolved:
		cb.onSuccess(result.Value)
	case cb.onFailure != nil && state == Rejected:
		cb.onFailure(result.Err)
	case cb.onSettle != nil:
		cb.onSettle(result)
	}
}
