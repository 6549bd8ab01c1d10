package natsbus

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/artpar/vmkit/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestSubjects(t *testing.T) {
	bus := New(nil, testLogger(), WithPrefix("app"))

	tests := []struct {
		name    string
		channel string
		topic   string
		want    []string
		wantErr bool
	}{
		{"exact", "cart", "item.added", []string{"app.cart.item.added"}, false},
		{"single wildcard", "cart", "item.*", []string{"app.cart.item.*"}, false},
		{"trailing hash", "cart", "item.#", []string{"app.cart.item", "app.cart.item.>"}, false},
		{"bare hash", "cart", "#", []string{"app.cart.>"}, false},
		{"inner hash", "cart", "a.#.b", nil, true},
		{"empty channel", "", "x", nil, true},
		{"space in channel", "my cart", "x", nil, true},
		{"empty topic", "cart", "", nil, true},
		{"empty segment", "cart", "a..b", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bus.Subjects(tt.channel, tt.topic)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPublish_Validation(t *testing.T) {
	bus := New(nil, testLogger())

	err := bus.Publish(ports.Envelope{Channel: "cart", Topic: "item.*"})
	assert.ErrorContains(t, err, "wildcard")

	err = bus.Publish(ports.Envelope{Channel: "cart", Topic: "item.added"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = bus.Subscribe("cart", "item.added", func(any, ports.Envelope) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = bus.Subscribe("cart", "item.added", nil)
	assert.Error(t, err)

	assert.False(t, bus.Healthy())
	assert.NoError(t, bus.Close())
}

func TestDefaultPrefix(t *testing.T) {
	bus := New(nil, testLogger(), WithPrefix(""))
	subject, err := bus.Subject("cart", "x")
	require.NoError(t, err)
	assert.Equal(t, "vmkit.cart.x", subject)
}

// TestRoundTrip needs a running server, e.g. VMKIT_NATS_URL=nats://127.0.0.1:4222.
func TestRoundTrip(t *testing.T) {
	url := os.Getenv("VMKIT_NATS_URL")
	if url == "" {
		t.Skip("VMKIT_NATS_URL not set")
	}

	var hooked int
	bus, err := Connect(Config{URL: url, Name: "vmkit-test", Prefix: "vmkit-test"}, testLogger(),
		WithHook(func(ports.Envelope, int) { hooked++ }))
	require.NoError(t, err)
	defer bus.Close()

	var mu sync.Mutex
	var got []ports.Envelope
	received := make(chan struct{}, 4)
	sub, err := bus.Channel("cart").Subscribe("item.#", func(data any, env ports.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
		received <- struct{}{}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscriptions())

	require.NoError(t, bus.Channel("cart").Publish("item", map[string]any{"sku": "A"}))
	require.NoError(t, bus.Channel("cart").Publish("item.added", map[string]any{"sku": "B"}))
	require.NoError(t, bus.Channel("other").Publish("item.added", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}

	mu.Lock()
	require.Len(t, got, 2)
	topics := map[string]any{}
	for _, env := range got {
		topics[env.Topic] = env.Data
		assert.False(t, env.Timestamp.IsZero())
	}
	mu.Unlock()
	assert.Equal(t, map[string]any{
		"item":       map[string]any{"sku": "A"},
		"item.added": map[string]any{"sku": "B"},
	}, topics)
	assert.Equal(t, 3, hooked)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, bus.Subscriptions())
}
