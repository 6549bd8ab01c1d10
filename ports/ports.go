// Package ports defines the capability interfaces the view-model core consumes.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/ (and core/events for the in-process bus).
package ports

import (
	"context"
	"time"

	"github.com/artpar/vmkit/core/deferred"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// HTTP Client Capability
// -----------------------------------------------------------------------------

// DefaultContentType is used when a call descriptor declares none.
const DefaultContentType = "application/json; charset=utf-8"

// DefaultVerb is used when a call descriptor declares none.
const DefaultVerb = "get"

// Request describes one remote call.
type Request struct {
	// URL is the call target.
	URL string

	// Method is the HTTP verb (case-insensitive).
	Method string

	// Payload is sent as query parameters for GET/DELETE and as the
	// encoded body otherwise.
	Payload any

	// ContentType of the encoded payload.
	ContentType string

	// Context is the owner the completion callbacks are bound to.
	// Transports pass it through untouched.
	Context any
}

// Transport performs remote calls.
// Send never blocks; the returned call settles when the response arrives.
type Transport interface {
	Send(ctx context.Context, req Request) *deferred.Deferred
}

// -----------------------------------------------------------------------------
// Pub/Sub Bus Capability
// -----------------------------------------------------------------------------

// Envelope is a published message.
type Envelope struct {
	ID        string    `json:"id,omitempty"`
	Channel   string    `json:"channel"`
	Topic     string    `json:"topic"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageHandler receives the payload and its envelope.
type MessageHandler func(data any, env Envelope)

// Subscription is a live bus subscription.
type Subscription interface {
	// Unsubscribe removes the subscription. It is idempotent.
	Unsubscribe()
}

// Channel is a handle scoped to one channel identity.
type Channel interface {
	Name() string
	Publish(topic string, data any) error
	Subscribe(topic string, handler MessageHandler) (Subscription, error)
}

// Bus is a process-wide publish/subscribe service.
type Bus interface {
	// Channel returns a handle for the named channel.
	Channel(name string) Channel

	// Publish delivers env to every matching subscription.
	Publish(env Envelope) error

	// Subscribe registers handler for topic on channel.
	// Topics may use "*" (one segment) and "#" (any segments) wildcards.
	Subscribe(channel, topic string, handler MessageHandler) (Subscription, error)
}

// -----------------------------------------------------------------------------
// UI Binding Capability
// -----------------------------------------------------------------------------

// BindOptions carries explicit binding-engine configuration.
type BindOptions struct {
	// TemplatePath is the directory templates are resolved from.
	TemplatePath string

	// Template names the template to render (engine specific).
	Template string
}

// Watchable is implemented by bindings whose changes a Binder can follow.
type Watchable interface {
	// Snapshot returns the plain, non-reactive state.
	Snapshot() any

	// Watch calls fn after any field changes. The returned function stops
	// watching.
	Watch(fn func(field string, value any)) (cancel func())
}

// Binder attaches reactive state to a rendering target.
type Binder interface {
	// ApplyBindings renders bindings into target and keeps it in sync.
	// The returned function detaches the binding.
	ApplyBindings(ctx context.Context, bindings any, target any, opts BindOptions) (func(), error)
}
