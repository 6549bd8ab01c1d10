package remote

import (
	"context"
	"sync"

	"github.com/artpar/vmkit/core/deferred"
	"github.com/artpar/vmkit/ports"
)

// Responder settles a request immediately. Returning a nil error resolves
// the call with the value.
type Responder func(req ports.Request) (any, error)

// Stub is a Transport for tests. It records every request and leaves the
// calls pending until they are settled by hand, unless a Responder is set.
type Stub struct {
	mu        sync.Mutex
	requests  []ports.Request
	calls     []*deferred.Deferred
	responder Responder
}

// NewStub creates a stub transport.
func NewStub() *Stub {
	return &Stub{}
}

// Respond makes every later call settle immediately through fn.
func (s *Stub) Respond(fn Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = fn
}

// Send records req.
func (s *Stub) Send(_ context.Context, req ports.Request) *deferred.Deferred {
	d := deferred.New()

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.calls = append(s.calls, d)
	responder := s.responder
	s.mu.Unlock()

	if responder != nil {
		value, err := responder(req)
		if err != nil {
			d.Reject(err)
		} else {
			d.Resolve(value)
		}
	}
	return d
}

// Requests returns a copy of the recorded requests.
func (s *Stub) Requests() []ports.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Len returns the number of recorded requests.
func (s *Stub) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Call returns the handle of the i-th request.
func (s *Stub) Call(i int) *deferred.Deferred {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

// Last returns the most recent request and its handle.
func (s *Stub) Last() (ports.Request, *deferred.Deferred) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.requests)
	if n == 0 {
		return ports.Request{}, nil
	}
	return s.requests[n-1], s.calls[n-1]
}

// Resolve resolves the i-th call.
func (s *Stub) Resolve(i int, value any) bool {
	return s.Call(i).Resolve(value)
}

// Reject rejects the i-th call.
func (s *Stub) Reject(i int, err error) bool {
	return s.Call(i).Reject(err)
}

// Reset forgets every recorded request.
func (s *Stub) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
	s.calls = nil
}

// Ensure interface compliance.
var _ ports.Transport = (*Stub)(nil)
