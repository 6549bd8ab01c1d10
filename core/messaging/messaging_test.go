package messaging

import (
	"errors"
	"testing"

	"github.com/artpar/vmkit/core/events"
	"github.com/artpar/vmkit/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessenger(identity string) (*Messenger, *events.Bus, *events.Emitter) {
	bus := events.NewBus(zerolog.Nop())
	emitter := events.NewEmitter()
	return New(bus, emitter, identity, zerolog.Nop()), bus, emitter
}

func collect(bus *events.Bus, channel, topic string) *[]ports.Envelope {
	var got []ports.Envelope
	_, _ = bus.Subscribe(channel, topic, func(_ any, env ports.Envelope) { got = append(got, env) })
	return &got
}

func TestTriggerPublishesOnce(t *testing.T) {
	m, bus, emitter := testMessenger("cart")
	got := collect(bus, "orders", "order.created")

	err := m.Configure([]Outbound{{
		Event:   "checkout",
		Channel: "orders",
		Topic:   "order.created",
		Accessor: func(args ...any) (any, error) {
			return map[string]any{"id": args[0]}, nil
		},
	}}, nil, nil)
	require.NoError(t, err)

	emitter.Trigger("checkout", 7)

	require.Len(t, *got, 1)
	assert.Equal(t, map[string]any{"id": 7}, (*got)[0].Data)
}

func TestTriggerDefaultsToFirstArgument(t *testing.T) {
	m, bus, emitter := testMessenger("cart")
	got := collect(bus, "cart", "cart.saved")

	require.NoError(t, m.Configure([]Outbound{{Event: "saved", Topic: "cart.saved"}}, nil, nil))

	emitter.Trigger("saved", "first", "second")
	emitter.Trigger("saved")

	require.Len(t, *got, 2)
	assert.Equal(t, "first", (*got)[0].Data)
	assert.Equal(t, map[string]any{}, (*got)[1].Data)
}

func TestAccessorErrorSkipsPublish(t *testing.T) {
	m, bus, emitter := testMessenger("cart")
	got := collect(bus, "cart", "t")

	require.NoError(t, m.Configure([]Outbound{{
		Event:    "e",
		Topic:    "t",
		Accessor: func(...any) (any, error) { return nil, errors.New("boom") },
	}}, nil, nil))

	emitter.Trigger("e")
	assert.Empty(t, *got)
}

func TestReconfigureKeepsOneSubscriptionPerRoute(t *testing.T) {
	m, bus, emitter := testMessenger("cart")

	calls := 0
	lookup := func(name string) (ports.MessageHandler, bool) {
		if name != "refresh" {
			return nil, false
		}
		return func(any, ports.Envelope) { calls++ }, true
	}
	in := []Inbound{
		{Handler: "refresh", Topic: "cart.refresh"},
		{Handler: "missing", Topic: "cart.other"},
	}
	out := []Outbound{{Event: "saved", Topic: "cart.saved"}}

	require.NoError(t, m.Configure(out, in, lookup))
	require.NoError(t, m.Configure(out, in, lookup))

	assert.Equal(t, 1, m.ActiveSubscriptions())
	assert.Equal(t, 1, m.ActiveListeners())
	assert.Equal(t, 1, emitter.Listeners("saved"))
	assert.Equal(t, 1, bus.Subscriptions())

	require.NoError(t, bus.Publish(ports.Envelope{Channel: "cart", Topic: "cart.refresh"}))
	assert.Equal(t, 1, calls)
}

func TestConfigureClearsAdHocSubscriptions(t *testing.T) {
	m, bus, _ := testMessenger("cart")

	_, err := m.Subscribe("x", func(any, ports.Envelope) {})
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActiveSubscriptions())

	require.NoError(t, m.Configure(nil, nil, nil))
	assert.Equal(t, 0, m.ActiveSubscriptions())
	assert.Equal(t, 0, bus.Subscriptions())
}

func TestAdHocUnsubscribe(t *testing.T) {
	m, bus, _ := testMessenger("cart")

	sub, err := m.Subscribe("x", func(any, ports.Envelope) {})
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()

	assert.Equal(t, 0, m.ActiveSubscriptions())
	assert.Equal(t, 0, bus.Subscriptions())
}

func TestPublishOnInstanceChannel(t *testing.T) {
	m, bus, _ := testMessenger("")
	got := collect(bus, DefaultChannel, "ping")

	require.NoError(t, m.Publish("ping", nil))

	require.Len(t, *got, 1)
	assert.Equal(t, map[string]any{}, (*got)[0].Data)
	assert.Equal(t, DefaultChannel, m.Identity())
}

func TestChannelIsCached(t *testing.T) {
	m, _, _ := testMessenger("cart")

	first := m.Channel()
	assert.Same(t, first, m.Channel())
	assert.Equal(t, "cart", first.Name())
}

func TestCloseIsIdempotent(t *testing.T) {
	m, bus, emitter := testMessenger("cart")
	require.NoError(t, m.Configure(
		[]Outbound{{Event: "e", Topic: "t"}},
		[]Inbound{{Handler: "h", Topic: "t"}},
		func(string) (ports.MessageHandler, bool) { return func(any, ports.Envelope) {}, true },
	))

	m.Close()
	m.Close()

	assert.Equal(t, 0, bus.Subscriptions())
	assert.Equal(t, 0, emitter.Listeners("e"))
}
