// Package messaging maps an instance's local events to channel topics on a
// bus and subscribes its handler methods to inbound topics.
//
// A Messenger is owned by exactly one view-model. Configure always tears
// down every previously installed route before installing the declared
// set, so it is safe to call repeatedly.
package messaging

import (
	"fmt"
	"sync"

	"github.com/artpar/vmkit/core/events"
	"github.com/artpar/vmkit/ports"
	"github.com/rs/zerolog"
)

// DefaultChannel is used when an instance declares no channel identity.
const DefaultChannel = "default"

// Accessor computes a message payload from local event arguments.
type Accessor func(args ...any) (any, error)

// HandlerLookup returns the instance handler registered under name.
type HandlerLookup func(name string) (ports.MessageHandler, bool)

// Outbound publishes a local event on Channel/Topic.
// An empty Channel means the instance channel.
type Outbound struct {
	Event    string
	Channel  string
	Topic    string
	Accessor Accessor
}

// Inbound subscribes the handler method named Handler to Channel/Topic.
// An empty Channel means the instance channel.
type Inbound struct {
	Handler string
	Channel string
	Topic   string
}

type installedListener struct {
	event string
	id    events.ListenerID
}

// Messenger is the messaging component of one instance.
type Messenger struct {
	bus      ports.Bus
	emitter  *events.Emitter
	identity string
	logger   zerolog.Logger

	mu        sync.Mutex
	channel   ports.Channel
	listeners []installedListener
	subs      map[*trackedSubscription]struct{}
}

// New creates a messenger for an instance with the given channel identity.
func New(bus ports.Bus, emitter *events.Emitter, identity string, logger zerolog.Logger) *Messenger {
	if identity == "" {
		identity = DefaultChannel
	}
	return &Messenger{
		bus:      bus,
		emitter:  emitter,
		identity: identity,
		logger:   logger,
		subs:     make(map[*trackedSubscription]struct{}),
	}
}

// Identity returns the instance channel identity.
func (m *Messenger) Identity() string {
	return m.identity
}

// Channel returns the instance channel, resolving it on first use.
func (m *Messenger) Channel() ports.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureChannel()
}

func (m *Messenger) ensureChannel() ports.Channel {
	if m.channel == nil {
		m.channel = m.bus.Channel(m.identity)
	}
	return m.channel
}

// Configure tears down all routes and ad-hoc subscriptions, then installs
// out and in. Inbound routes whose handler lookup fails are skipped.
// If a subscription fails, everything installed by this call is removed.
func (m *Messenger) Configure(out []Outbound, in []Inbound, lookup HandlerLookup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()

	for _, r := range in {
		handler, ok := lookup(r.Handler)
		if !ok || handler == nil {
			m.logger.Debug().
				Str("handler", r.Handler).
				Str("topic", r.Topic).
				Msg("subscription skipped, handler not defined")
			continue
		}

		channel := r.Channel
		if channel == "" {
			channel = m.identity
		}
		sub, err := m.bus.Subscribe(channel, r.Topic, handler)
		if err != nil {
			m.teardownLocked()
			return fmt.Errorf("subscribe %s to %s %s: %w", r.Handler, channel, r.Topic, err)
		}
		m.track(sub)
	}

	for _, r := range out {
		m.listeners = append(m.listeners, installedListener{
			event: r.Event,
			id:    m.emitter.On(r.Event, m.publisher(r)),
		})
	}

	m.logger.Debug().
		Str("channel", m.identity).
		Int("messages", len(m.listeners)).
		Int("subscriptions", len(m.subs)).
		Msg("messaging configured")

	return nil
}

func (m *Messenger) publisher(r Outbound) events.Listener {
	channel := r.Channel
	if channel == "" {
		channel = m.identity
	}

	return func(args ...any) {
		var data any
		if r.Accessor != nil {
			v, err := r.Accessor(args...)
			if err != nil {
				m.logger.Error().Err(err).
					Str("event", r.Event).
					Str("channel", channel).
					Str("topic", r.Topic).
					Msg("message accessor failed")
				return
			}
			data = v
		} else if len(args) > 0 {
			data = args[0]
		}

		if err := m.bus.Publish(ports.Envelope{Channel: channel, Topic: r.Topic, Data: orEmpty(data)}); err != nil {
			m.logger.Error().Err(err).
				Str("event", r.Event).
				Str("channel", channel).
				Str("topic", r.Topic).
				Msg("publish failed")
		}
	}
}

// Teardown removes every installed listener and subscription.
// It is idempotent.
func (m *Messenger) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

func (m *Messenger) teardownLocked() {
	for _, l := range m.listeners {
		m.emitter.Off(l.event, l.id)
	}
	m.listeners = nil

	for s := range m.subs {
		s.sub.Unsubscribe()
	}
	m.subs = make(map[*trackedSubscription]struct{})
}

// Publish publishes data under topic on the instance channel.
// Nil data is published as an empty object.
func (m *Messenger) Publish(topic string, data any) error {
	return m.Channel().Publish(topic, orEmpty(data))
}

// Subscribe subscribes handler to topic on the instance channel.
// The subscription is torn down by the next Configure or by Close.
func (m *Messenger) Subscribe(topic string, handler ports.MessageHandler) (ports.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.ensureChannel().Subscribe(topic, handler)
	if err != nil {
		return nil, err
	}
	return m.track(sub), nil
}

// ActiveSubscriptions returns the number of live subscriptions.
func (m *Messenger) ActiveSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// ActiveListeners returns the number of installed outbound listeners.
func (m *Messenger) ActiveListeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Close tears everything down.
func (m *Messenger) Close() {
	m.Teardown()
}

// track must be called with mu held.
func (m *Messenger) track(sub ports.Subscription) *trackedSubscription {
	t := &trackedSubscription{sub: sub, owner: m}
	m.subs[t] = struct{}{}
	return t
}

type trackedSubscription struct {
	sub   ports.Subscription
	owner *Messenger
}

// Unsubscribe removes the subscription and stops tracking it.
func (t *trackedSubscription) Unsubscribe() {
	t.sub.Unsubscribe()

	t.owner.mu.Lock()
	delete(t.owner.subs, t)
	t.owner.mu.Unlock()
}

func orEmpty(data any) any {
	if data == nil {
		return map[string]any{}
	}
	return data
}
