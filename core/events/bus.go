// Package events provides the in-process publish/subscribe bus and the
// instance-scoped local event emitter used by view-models.
package events

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/artpar/vmkit/ports"
	"github.com/rs/zerolog"
)

// Hook observes every published envelope and the number of subscriptions
// it was delivered to.
type Hook func(env ports.Envelope, delivered int)

// Option configures a Bus.
type Option func(*Bus)

// WithIDGenerator stamps published envelopes with generated IDs.
func WithIDGenerator(ids ports.IDGenerator) Option {
	return func(b *Bus) { b.ids = ids }
}

// WithClock sets the clock used for envelope timestamps.
func WithClock(clock ports.Clock) Option {
	return func(b *Bus) { b.clock = clock }
}

// WithHook registers a publish observer (used for metrics).
func WithHook(hook Hook) Option {
	return func(b *Bus) { b.hooks = append(b.hooks, hook) }
}

// Bus is an in-process publish/subscribe bus organised by channel and topic.
//
// Topic bindings support wildcards:
//   - "user.created" - exact match
//   - "user.*"       - exactly one segment after "user."
//   - "user.#"       - zero or more segments after "user"
//   - "#"            - every topic on the channel
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID uint64
	ids    ports.IDGenerator
	clock  ports.Clock
	hooks  []Hook
	logger zerolog.Logger
}

// NewBus creates a new bus.
func NewBus(logger zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string][]*subscription),
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var defaultBus = NewBus(zerolog.Nop())

// Default returns the process-wide bus used when no bus is configured.
func Default() *Bus {
	return defaultBus
}

// Channel returns a handle scoped to name.
func (b *Bus) Channel(name string) ports.Channel {
	return &Channel{bus: b, name: name}
}

// Subscribe registers handler for topic on channel.
// Handlers are called synchronously in registration order.
func (b *Bus) Subscribe(channel, topic string, handler ports.MessageHandler) (ports.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("subscribe on channel %q: topic is required", channel)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s %s: handler is required", channel, topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		bus:     b,
		channel: channel,
		topic:   topic,
		handler: handler,
	}
	b.subs[channel] = append(b.subs[channel], sub)

	b.logger.Debug().
		Str("channel", channel).
		Str("topic", topic).
		Msg("subscription added")

	return sub, nil
}

// Publish delivers env to every matching subscription.
// A panicking handler is logged and does not stop delivery to the rest.
func (b *Bus) Publish(env ports.Envelope) error {
	if env.Topic == "" {
		return fmt.Errorf("publish on channel %q: topic is required", env.Channel)
	}
	if env.ID == "" && b.ids != nil {
		env.ID = b.ids.New()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = b.now()
	}

	b.mu.RLock()
	var matched []*subscription
	for _, sub := range b.subs[env.Channel] {
		if MatchTopic(sub.topic, env.Topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	b.logger.Debug().
		Str("channel", env.Channel).
		Str("topic", env.Topic).
		Int("subscribers", len(matched)).
		Msg("message published")

	for _, sub := range matched {
		b.deliver(sub, env)
	}

	for _, hook := range b.hooks {
		hook(env, len(matched))
	}

	return nil
}

// HasSubscribers checks if any subscription would receive topic on channel.
func (b *Bus) HasSubscribers(channel, topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[channel] {
		if MatchTopic(sub.topic, topic) {
			return true
		}
	}
	return false
}

// Subscriptions returns the number of live subscriptions.
func (b *Bus) Subscriptions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

func (b *Bus) deliver(sub *subscription, env ports.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("channel", env.Channel).
				Str("topic", env.Topic).
				Msg("message handler panic")
		}
	}()

	if sub.active() {
		sub.handler(env.Data, env)
	}
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.channel]
	for i, s := range subs {
		if s.id == sub.id {
			b.subs[sub.channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.channel]) == 0 {
		delete(b.subs, sub.channel)
	}
}

func (b *Bus) now() time.Time {
	if b.clock != nil {
		return b.clock.Now()
	}
	return time.Now()
}

// Channel is a bus handle scoped to one channel.
type Channel struct {
	bus  *Bus
	name string
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Publish publishes data under topic on this channel.
func (c *Channel) Publish(topic string, data any) error {
	return c.bus.Publish(ports.Envelope{Channel: c.name, Topic: topic, Data: data})
}

// Subscribe subscribes handler to topic on this channel.
func (c *Channel) Subscribe(topic string, handler ports.MessageHandler) (ports.Subscription, error) {
	return c.bus.Subscribe(c.name, topic, handler)
}

type subscription struct {
	id      uint64
	bus     *Bus
	channel string
	topic   string
	handler ports.MessageHandler

	mu     sync.Mutex
	closed bool
}

// Unsubscribe removes the subscription from the bus.
func (s *subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.remove(s)
}

func (s *subscription) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// MatchTopic reports whether topic matches the binding pattern.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	return matchSegments(splitTopic(pattern), splitTopic(topic))
}

func matchSegments(pattern, topic []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(topic); i++ {
				if matchSegments(rest, topic[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(topic) == 0 {
				return false
			}
		default:
			if len(topic) == 0 || pattern[0] != topic[0] {
				return false
			}
		}
		pattern, topic = pattern[1:], topic[1:]
	}
	return len(topic) == 0
}

// splitTopic splits a topic by "."
func splitTopic(name string) []string {
	if name == "" {
		return nil
	}
	return strings.Split(name, ".")
}

var _ ports.Bus = (*Bus)(nil)
