// Package command holds the resolved remote calls of one view-model
// instance and executes them through a transport.
//
// Declared commands and queries are resolved once, when the registry is
// built, into private maps. Callers only ever see a Ref, a lightweight
// {kind, name} pair that Execute looks up again.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/artpar/vmkit/core/deferred"
	"github.com/artpar/vmkit/core/schema"
	"github.com/artpar/vmkit/ports"
	"github.com/rs/zerolog"
)

// Kind distinguishes commands from queries.
type Kind string

const (
	KindCommand Kind = "commands"
	KindQuery   Kind = "queries"
)

// ParseKind accepts the plural or singular form.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "commands", "command":
		return KindCommand, nil
	case "queries", "query":
		return KindQuery, nil
	default:
		return "", fmt.Errorf("unknown call kind %q", s)
	}
}

var (
	// ErrUnknownCall is reported for refs that name no resolved call.
	ErrUnknownCall = errors.New("unknown call")

	// ErrNoTransport is reported when no transport is configured.
	ErrNoTransport = errors.New("no transport configured")
)

// Ref points at a resolved call.
type Ref struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

func (r Ref) String() string {
	return string(r.Kind) + "." + r.Name
}

// Resolved is a call bound to its owning instance.
type Resolved struct {
	Name        string
	URL         string
	Method      string
	ContentType string

	// Payload computes the request payload at call time.
	// Nil, or a nil result, sends an empty object.
	Payload func() (any, error)

	OnSuccess func(value any)
	OnFailure func(err error)
	OnSettle  func(result deferred.Result)
}

// ResolveFunc binds one declared call to the owner.
type ResolveFunc func(name string, call schema.Call) (Resolved, error)

// Observer is notified when a call settles.
type Observer func(ref Ref, method string, result deferred.Result, elapsed time.Duration)

// Option configures a Registry.
type Option func(*Registry)

// WithObserver registers a settle observer (used for metrics).
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// Registry holds the resolved calls of one owner.
type Registry struct {
	owner     any
	transport ports.Transport
	logger    zerolog.Logger
	observers []Observer

	mu       sync.RWMutex
	commands map[string]*Resolved
	queries  map[string]*Resolved
}

// NewRegistry creates an empty registry bound to owner.
func NewRegistry(owner any, transport ports.Transport, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		owner:     owner,
		transport: transport,
		logger:    logger,
		commands:  make(map[string]*Resolved),
		queries:   make(map[string]*Resolved),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Build resolves every declared call of kind, replacing any previous
// resolution. Nothing is installed if any call fails to resolve.
func (r *Registry) Build(kind Kind, calls schema.Calls, resolve ResolveFunc) error {
	resolved := make(map[string]*Resolved, len(calls))
	for _, name := range calls.Names() {
		res, err := resolve(name, calls[name])
		if err != nil {
			return fmt.Errorf("resolve %s %q: %w", kind, name, err)
		}
		res.Name = name
		resolved[name] = &res
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch kind {
	case KindCommand:
		r.commands = resolved
	case KindQuery:
		r.queries = resolved
	default:
		return fmt.Errorf("unknown call kind %q", kind)
	}
	return nil
}

// Add installs a single resolved call and returns its ref.
func (r *Registry) Add(kind Kind, res Resolved) (Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.table(kind)
	if err != nil {
		return Ref{}, err
	}
	m[res.Name] = &res
	return Ref{Kind: kind, Name: res.Name}, nil
}

// Ref returns the ref for a declared call.
func (r *Registry) Ref(kind Kind, name string) (Ref, bool) {
	_, ok := r.Lookup(Ref{Kind: kind, Name: name})
	return Ref{Kind: kind, Name: name}, ok
}

// Refs lists the refs of kind sorted by name.
func (r *Registry) Refs(kind Kind) []Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, err := r.table(kind)
	if err != nil {
		return nil
	}
	refs := make([]Ref, 0, len(m))
	for name := range m {
		refs = append(refs, Ref{Kind: kind, Name: name})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs
}

// Lookup returns the resolved call for ref.
func (r *Registry) Lookup(ref Ref) (Resolved, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, err := r.table(ref.Kind)
	if err != nil {
		return Resolved{}, false
	}
	res, ok := m[ref.Name]
	if !ok {
		return Resolved{}, false
	}
	return *res, true
}

// Execute issues the call ref points at and returns the in-flight handle.
// Declared completion handlers are attached before it is returned; callers
// may attach more or settle it by hand. Every call is independent.
func (r *Registry) Execute(ctx context.Context, ref Ref) *deferred.Deferred {
	call, ok := r.Lookup(ref)
	if !ok {
		return deferred.RejectedWith(fmt.Errorf("%w: %s", ErrUnknownCall, ref))
	}

	method := call.Method
	if method == "" {
		method = ports.DefaultVerb
	}
	contentType := call.ContentType
	if contentType == "" {
		contentType = ports.DefaultContentType
	}

	start := time.Now()
	var d *deferred.Deferred

	payload, err := r.payload(call)
	switch {
	case err != nil:
		d = deferred.RejectedWith(fmt.Errorf("%s payload: %w", ref, err))
	case r.transport == nil:
		d = deferred.RejectedWith(fmt.Errorf("%s: %w", ref, ErrNoTransport))
	default:
		r.logger.Debug().
			Str("call", ref.String()).
			Str("method", method).
			Str("url", call.URL).
			Msg("executing call")

		d = r.transport.Send(ctx, ports.Request{
			URL:         call.URL,
			Method:      method,
			Payload:     payload,
			ContentType: contentType,
			Context:     r.owner,
		})
	}

	if call.OnSuccess != nil {
		d.OnSuccess(call.OnSuccess)
	}
	if call.OnFailure != nil {
		d.OnFailure(call.OnFailure)
	}
	if call.OnSettle != nil {
		d.OnSettle(call.OnSettle)
	}

	d.OnSettle(func(result deferred.Result) {
		elapsed := time.Since(start)
		if result.OK() {
			r.logger.Debug().Str("call", ref.String()).Dur("elapsed", elapsed).Msg("call succeeded")
		} else {
			r.logger.Debug().Err(result.Err).Str("call", ref.String()).Dur("elapsed", elapsed).Msg("call failed")
		}
		for _, o := range r.observers {
			o(ref, method, result, elapsed)
		}
	})

	return d
}

func (r *Registry) payload(call Resolved) (any, error) {
	if call.Payload == nil {
		return map[string]any{}, nil
	}
	v, err := call.Payload()
	if err != nil {
		return nil, err
	}
	if v == nil {
		return map[string]any{}, nil
	}
	return v, nil
}

// table must be called with mu held.
func (r *Registry) table(kind Kind) (map[string]*Resolved, error) {
	switch kind {
	case KindCommand:
		return r.commands, nil
	case KindQuery:
		return r.queries, nil
	default:
		return nil, fmt.Errorf("unknown call kind %q", kind)
	}
}
