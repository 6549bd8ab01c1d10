package events

import (
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/vmkit/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a disabled logger for tests
func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type seqIDs struct{ n int64 }

func (s *seqIDs) New() string {
	return "id-" + strconv.FormatInt(atomic.AddInt64(&s.n, 1), 10)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// TestNewBus verifies that NewBus creates an empty bus
func TestNewBus(t *testing.T) {
	bus := NewBus(testLogger())

	require.NotNil(t, bus)
	assert.Equal(t, 0, bus.Subscriptions())
}

// TestSubscribeValidation rejects empty topics and nil handlers
func TestSubscribeValidation(t *testing.T) {
	bus := NewBus(testLogger())

	_, err := bus.Subscribe("orders", "", func(any, ports.Envelope) {})
	assert.Error(t, err)

	_, err = bus.Subscribe("orders", "created", nil)
	assert.Error(t, err)
}

// TestPublishExactMatch verifies delivery order and payload
func TestPublishExactMatch(t *testing.T) {
	bus := NewBus(testLogger())

	var order []int
	var got []any
	for i := 1; i <= 3; i++ {
		i := i
		_, err := bus.Subscribe("orders", "created", func(data any, env ports.Envelope) {
			order = append(order, i)
			got = append(got, data)
		})
		require.NoError(t, err)
	}

	require.NoError(t, bus.Publish(ports.Envelope{Channel: "orders", Topic: "created", Data: 42}))

	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, []any{42, 42, 42}, got)
}

// TestPublishChannelScoped checks that channels do not leak into each other
func TestPublishChannelScoped(t *testing.T) {
	bus := NewBus(testLogger())

	calls := 0
	_, err := bus.Subscribe("orders", "created", func(any, ports.Envelope) { calls++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ports.Envelope{Channel: "users", Topic: "created"}))
	assert.Equal(t, 0, calls)
}

// TestPublishWildcards covers "*" and "#" bindings
func TestPublishWildcards(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"user.created", "user.created", true},
		{"user.*", "user.created", true},
		{"user.*", "user.profile.updated", false},
		{"user.#", "user", true},
		{"user.#", "user.profile.updated", true},
		{"#", "anything.at.all", true},
		{"*.created", "order.created", true},
		{"*.created", "created", false},
		{"user.#.updated", "user.updated", true},
		{"user.#.updated", "user.a.b.updated", true},
		{"user.#.updated", "user.a.b.deleted", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}

// TestUnsubscribe verifies removal and idempotency
func TestUnsubscribe(t *testing.T) {
	bus := NewBus(testLogger())

	calls := 0
	sub, err := bus.Subscribe("orders", "created", func(any, ports.Envelope) { calls++ })
	require.NoError(t, err)
	assert.True(t, bus.HasSubscribers("orders", "created"))

	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, bus.Publish(ports.Envelope{Channel: "orders", Topic: "created"}))
	assert.Equal(t, 0, calls)
	assert.False(t, bus.HasSubscribers("orders", "created"))
	assert.Equal(t, 0, bus.Subscriptions())
}

// TestUnsubscribeDuringDelivery stops later delivery within the same publish
func TestUnsubscribeDuringDelivery(t *testing.T) {
	bus := NewBus(testLogger())

	var second ports.Subscription
	calls := 0
	_, err := bus.Subscribe("c", "t", func(any, ports.Envelope) { second.Unsubscribe() })
	require.NoError(t, err)
	second, err = bus.Subscribe("c", "t", func(any, ports.Envelope) { calls++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ports.Envelope{Channel: "c", Topic: "t"}))
	assert.Equal(t, 0, calls)
}

// TestHandlerPanicContinues verifies a panicking handler does not stop delivery
func TestHandlerPanicContinues(t *testing.T) {
	bus := NewBus(testLogger())

	calls := 0
	_, _ = bus.Subscribe("c", "t", func(any, ports.Envelope) { panic("boom") })
	_, _ = bus.Subscribe("c", "t", func(any, ports.Envelope) { calls++ })

	require.NoError(t, bus.Publish(ports.Envelope{Channel: "c", Topic: "t"}))
	assert.Equal(t, 1, calls)
}

// TestEnvelopeStamping checks IDs, timestamps and hooks
func TestEnvelopeStamping(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var hooked int
	bus := NewBus(testLogger(),
		WithIDGenerator(&seqIDs{}),
		WithClock(fixedClock{now}),
		WithHook(func(env ports.Envelope, delivered int) { hooked = delivered }),
	)

	var got ports.Envelope
	_, err := bus.Channel("orders").Subscribe("created", func(_ any, env ports.Envelope) { got = env })
	require.NoError(t, err)

	require.NoError(t, bus.Channel("orders").Publish("created", "x"))

	assert.Equal(t, "id-1", got.ID)
	assert.Equal(t, now, got.Timestamp)
	assert.Equal(t, "orders", got.Channel)
	assert.Equal(t, "created", got.Topic)
	assert.Equal(t, 1, hooked)
}

// TestPublishRequiresTopic rejects empty topics
func TestPublishRequiresTopic(t *testing.T) {
	bus := NewBus(testLogger())
	assert.Error(t, bus.Publish(ports.Envelope{Channel: "c"}))
}

// TestDefaultBus returns the same instance
func TestDefaultBus(t *testing.T) {
	assert.Same(t, Default(), Default())
}

// TestEmitterOnTrigger verifies argument passing and multi-event strings
func TestEmitterOnTrigger(t *testing.T) {
	e := NewEmitter()

	var got [][]any
	e.On("save reset", func(args ...any) { got = append(got, args) })

	e.Trigger("save", 1, "a")
	e.Trigger("reset")

	require.Len(t, got, 2)
	assert.Equal(t, []any{1, "a"}, got[0])
	assert.Empty(t, got[1])
}

// TestEmitterOnce runs once-listeners a single time
func TestEmitterOnce(t *testing.T) {
	e := NewEmitter()

	calls := 0
	e.Once("save", func(...any) { calls++ })

	e.Trigger("save")
	e.Trigger("save")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, e.Listeners("save"))
}

// TestEmitterOff removes by id, by event and entirely
func TestEmitterOff(t *testing.T) {
	e := NewEmitter()

	calls := 0
	inc := func(...any) { calls++ }
	id := e.On("a", inc)
	e.On("a", inc)
	e.On("b", inc)

	e.Off("a", id)
	e.Trigger("a")
	assert.Equal(t, 1, calls)

	e.Off("a", 0)
	e.Trigger("a")
	assert.Equal(t, 1, calls)

	e.Off("", 0)
	e.Trigger("b")
	assert.Equal(t, 1, calls)
}

// TestEmitterAll passes the event name to "all" listeners
func TestEmitterAll(t *testing.T) {
	e := NewEmitter()

	var got []any
	e.On(AllEvents, func(args ...any) { got = args })

	e.Trigger("save", 7)
	assert.Equal(t, []any{"save", 7}, got)
}
