// Package natsbus provides a message bus backed by NATS, so view-models in
// separate processes can exchange channel messages.
//
// A message published to topic "item.added" on channel "cart" travels on the
// subject "<prefix>.cart.item.added" as a JSON encoded envelope. Topic
// wildcards map onto NATS wildcards: "*" stays "*" and a trailing "#" becomes
// ">" (plus the bare prefix, since "#" also matches zero segments).
package natsbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/artpar/vmkit/core/events"
	"github.com/artpar/vmkit/core/reactive"
	"github.com/artpar/vmkit/ports"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultPrefix is the first subject token of every message.
const DefaultPrefix = "vmkit"

// ErrNotConnected is returned when the connection is closed or missing.
var ErrNotConnected = errors.New("natsbus: not connected")

// Config configures a NATS connection.
type Config struct {
	URL           string
	Name          string
	Prefix        string
	Token         string
	Username      string
	Password      string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Option configures a Bus.
type Option func(*Bus)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(b *Bus) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithIDGenerator stamps published envelopes with generated IDs.
func WithIDGenerator(ids ports.IDGenerator) Option {
	return func(b *Bus) { b.ids = ids }
}

// WithClock sets the clock used for envelope timestamps.
func WithClock(clock ports.Clock) Option {
	return func(b *Bus) { b.clock = clock }
}

// WithHook registers a publish observer. The delivered count is always 0
// since remote deliveries are not observable from the publisher.
func WithHook(hook events.Hook) Option {
	return func(b *Bus) { b.hooks = append(b.hooks, hook) }
}

// Bus implements ports.Bus over a NATS connection.
type Bus struct {
	conn   *nats.Conn
	owned  bool
	prefix string
	ids    ports.IDGenerator
	clock  ports.Clock
	hooks  []events.Hook
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// Connect dials NATS and returns a bus that owns the connection.
func Connect(cfg Config, logger zerolog.Logger, opts ...Option) (*Bus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL, connectionOptions(cfg, logger)...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}

	logger.Info().Str("url", conn.ConnectedUrl()).Msg("connected to nats")

	b := New(conn, logger, append([]Option{WithPrefix(cfg.Prefix)}, opts...)...)
	b.owned = true
	return b, nil
}

func connectionOptions(cfg Config, logger zerolog.Logger) []nats.Option {
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}
	reconnectWait := cfg.ReconnectWait
	if reconnectWait == 0 {
		reconnectWait = 2 * time.Second
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug().Msg("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			event := logger.Error().Err(err)
			if sub != nil {
				event = event.Str("subject", sub.Subject)
			}
			event.Msg("nats async error")
		}),
	}

	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	return opts
}

// New wraps an existing connection. The caller keeps ownership of conn.
func New(conn *nats.Conn, logger zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		conn:   conn,
		prefix: DefaultPrefix,
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Channel returns a handle scoped to name.
func (b *Bus) Channel(name string) ports.Channel {
	return &Channel{bus: b, name: name}
}

// Publish encodes env and publishes it on its subject.
func (b *Bus) Publish(env ports.Envelope) error {
	subject, err := b.Subject(env.Channel, env.Topic)
	if err != nil {
		return err
	}
	if strings.ContainsAny(env.Topic, "*#") {
		return fmt.Errorf("publish: topic %q contains a wildcard", env.Topic)
	}
	if !b.connected() {
		return ErrNotConnected
	}

	if env.ID == "" && b.ids != nil {
		env.ID = b.ids.New()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = b.now()
	}
	env.Data = reactive.ToPlain(env.Data)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	b.logger.Debug().
		Str("channel", env.Channel).
		Str("topic", env.Topic).
		Str("subject", subject).
		Msg("message published")

	for _, hook := range b.hooks {
		hook(env, 0)
	}
	return nil
}

// Subscribe registers handler for topic on channel.
// Handlers run on the NATS delivery goroutine of the subscription.
func (b *Bus) Subscribe(channel, topic string, handler ports.MessageHandler) (ports.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s/%s: nil handler", channel, topic)
	}
	subjects, err := b.Subjects(channel, topic)
	if err != nil {
		return nil, err
	}
	if !b.connected() {
		return nil, ErrNotConnected
	}

	sub := &subscription{bus: b}
	for _, subject := range subjects {
		ns, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
			b.deliver(msg, handler)
		})
		if err != nil {
			sub.Unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		sub.nats = append(sub.nats, ns)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug().
		Str("channel", channel).
		Str("topic", topic).
		Strs("subjects", subjects).
		Msg("subscribed")
	return sub, nil
}

func (b *Bus) deliver(msg *nats.Msg, handler ports.MessageHandler) {
	var env ports.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable message")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("channel", env.Channel).
				Str("topic", env.Topic).
				Msg("message handler panicked")
		}
	}()
	handler(env.Data, env)
}

// Subject returns the concrete subject for a channel topic.
func (b *Bus) Subject(channel, topic string) (string, error) {
	if err := checkToken(channel); err != nil {
		return "", fmt.Errorf("channel %q: %w", channel, err)
	}
	if topic == "" {
		return "", errors.New("topic is required")
	}
	for _, seg := range strings.Split(topic, ".") {
		if err := checkToken(seg); err != nil && seg != "*" && seg != "#" {
			return "", fmt.Errorf("topic %q: %w", topic, err)
		}
	}
	return b.prefix + "." + channel + "." + topic, nil
}

// Subjects returns the NATS subjects a topic pattern subscribes to.
func (b *Bus) Subjects(channel, pattern string) ([]string, error) {
	base, err := b.Subject(channel, pattern)
	if err != nil {
		return nil, err
	}

	segments := strings.Split(pattern, ".")
	for i, seg := range segments {
		if seg == "#" && i != len(segments)-1 {
			return nil, fmt.Errorf("topic %q: '#' is only supported as the last segment", pattern)
		}
	}
	if segments[len(segments)-1] != "#" {
		return []string{base}, nil
	}

	head := b.prefix + "." + channel
	if len(segments) > 1 {
		head += "." + strings.Join(segments[:len(segments)-1], ".")
		return []string{head, head + ".>"}, nil
	}
	return []string{head + ".>"}, nil
}

// Subscriptions returns the number of live subscriptions.
func (b *Bus) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close removes every subscription and, when the bus dialed the connection
// itself, drains and closes it.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	if b.owned && b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
			return fmt.Errorf("drain nats connection: %w", err)
		}
	}
	return nil
}

// Healthy reports whether the connection is up.
func (b *Bus) Healthy() bool {
	return b.connected()
}

func (b *Bus) connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

func (b *Bus) now() time.Time {
	if b.clock != nil {
		return b.clock.Now()
	}
	return time.Now()
}

func checkToken(s string) error {
	switch {
	case s == "":
		return errors.New("empty subject token")
	case strings.ContainsAny(s, " \t\r\n*>#"):
		return errors.New("invalid character in subject token")
	}
	return nil
}

// Channel is a bus handle bound to one channel.
type Channel struct {
	bus  *Bus
	name string
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Publish publishes data on topic.
func (c *Channel) Publish(topic string, data any) error {
	return c.bus.Publish(ports.Envelope{Channel: c.name, Topic: topic, Data: data})
}

// Subscribe registers handler for topic on this channel.
func (c *Channel) Subscribe(topic string, handler ports.MessageHandler) (ports.Subscription, error) {
	return c.bus.Subscribe(c.name, topic, handler)
}

type subscription struct {
	bus  *Bus
	once sync.Once
	nats []*nats.Subscription
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		for _, ns := range s.nats {
			if err := ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				s.bus.logger.Debug().Err(err).Str("subject", ns.Subject).Msg("unsubscribe failed")
			}
		}
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
}

// Ensure interface compliance.
var (
	_ ports.Bus     = (*Bus)(nil)
	_ ports.Channel = (*Channel)(nil)
)
