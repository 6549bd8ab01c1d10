package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/artpar/vmkit/core/events"
	"github.com/artpar/vmkit/core/schema"
	"github.com/artpar/vmkit/core/viewmodel"
	"github.com/artpar/vmkit/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listYAML = `
viewmodel: list
namespace: shop
defaults:
  title: ""
  items: []
  count: !expr "len(items)"
subscriptions:
  clear: list.clear
`

const cartYAML = `
viewmodel: cart
extends: list
defaults:
  title: Cart
  items: []
  count: !expr "len(items)"
  label: describe
messages:
  checkout: "orders order.created"
`

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func parse(t *testing.T, docs ...string) []schema.Definition {
	t.Helper()
	defs := make([]schema.Definition, 0, len(docs))
	for _, doc := range docs {
		def, err := schema.Parse([]byte(doc))
		require.NoError(t, err)
		defs = append(defs, def)
	}
	return defs
}

func newTestRuntime(t *testing.T) (*Runtime, *events.Bus) {
	t.Helper()
	bus := events.NewBus(testLogger())
	rt := New(Config{Env: viewmodel.Env{Bus: bus}, Logger: testLogger()})
	rt.RegisterMethod(AnyClass, "clear", func(vm *viewmodel.ViewModel, args ...any) any {
		vm.Array("items").RemoveAll()
		return nil
	})
	rt.RegisterMethod("cart", "describe", func(vm *viewmodel.ViewModel, args ...any) any {
		return fmt.Sprintf("%v (%v)", vm.Get("title"), vm.Get("count"))
	})
	t.Cleanup(rt.Close)
	return rt, bus
}

func TestRuntime_LoadInExtendsOrder(t *testing.T) {
	rt, _ := newTestRuntime(t)

	// cart is listed before its base
	require.NoError(t, rt.Load(parse(t, cartYAML, listYAML)))

	cart, ok := rt.Class("cart")
	require.True(t, ok)
	list, _ := rt.Class("list")
	assert.True(t, cart.Is(list))
	assert.Equal(t, "shop", cart.Definition().Channel(), "sections a subclass leaves empty are inherited")

	var names []string
	for _, d := range rt.Definitions() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"list", "cart"}, names)
	assert.Len(t, rt.Classes(), 2)
}

func TestRuntime_LoadErrors(t *testing.T) {
	rt, _ := newTestRuntime(t)

	err := rt.Load(parse(t, cartYAML))
	assert.ErrorIs(t, err, ErrUnknownClass)
	assert.Equal(t, 0, rt.Registry().Len())

	require.NoError(t, rt.Load(parse(t, listYAML)))
	err = rt.Load(parse(t, listYAML))
	assert.ErrorContains(t, err, "already registered")

	// A later load may extend classes loaded earlier.
	require.NoError(t, rt.Load(parse(t, cartYAML)))
}

func TestRuntime_LoadSkipsUnboundSubscriptions(t *testing.T) {
	bus := events.NewBus(testLogger())
	rt := New(Config{Env: viewmodel.Env{Bus: bus}, Logger: testLogger()})
	t.Cleanup(rt.Close)

	// No "clear" method is registered for list's subscription.
	require.NoError(t, rt.Load(parse(t, listYAML)))
	vm, err := rt.New("list", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, vm.Messenger().ActiveSubscriptions())
}

func TestRuntime_LoadRejectsUnboundMethods(t *testing.T) {
	rt := New(Config{Logger: testLogger()})
	err := rt.Load(parse(t, `
viewmodel: form
queries:
  load: { target: /form, on_success: fill }
`))
	assert.ErrorIs(t, err, viewmodel.ErrUnknownMethod)
}

func TestRuntime_Instances(t *testing.T) {
	rt, bus := newTestRuntime(t)
	require.NoError(t, rt.Load(parse(t, listYAML, cartYAML)))

	cart, err := rt.New("cart", viewmodel.Options{"items": []any{"a", "b"}})
	require.NoError(t, err)
	list, err := rt.New("list", nil)
	require.NoError(t, err)

	_, err = rt.New("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownClass)

	got, ok := rt.Get(cart.ID())
	require.True(t, ok)
	assert.Same(t, cart, got)
	assert.Equal(t, 2, rt.Count())
	assert.Equal(t, "Cart (2)", cart.Get("label"))

	assert.Equal(t, []*viewmodel.ViewModel{cart, list}, rt.List(""))
	assert.Equal(t, []*viewmodel.ViewModel{cart}, rt.List("cart"))
	assert.Equal(t, []*viewmodel.ViewModel{cart, list}, rt.List("list"), "subclass instances are listed")
	assert.Nil(t, rt.List("missing"))

	// Subscriptions are live: both instances share the shop channel.
	require.NoError(t, bus.Publish(ports.Envelope{Channel: "shop", Topic: "list.clear"}))
	assert.Equal(t, []any{}, cart.Raw()["items"])

	require.NoError(t, rt.Dispose(cart.ID()))
	assert.ErrorIs(t, rt.Dispose(cart.ID()), ErrUnknownInstance)
	_, ok = rt.Get(cart.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, rt.Count())
}

func TestRuntime_ReconfigureAll(t *testing.T) {
	rt, bus := newTestRuntime(t)
	require.NoError(t, rt.Load(parse(t, listYAML)))

	_, err := rt.New("list", nil)
	require.NoError(t, err)
	before := bus.Subscriptions()

	require.NoError(t, rt.ReconfigureAll())
	require.NoError(t, rt.ReconfigureAll())
	assert.Equal(t, before, bus.Subscriptions(), "routes are torn down before re-install")
}

func TestRuntime_Reload(t *testing.T) {
	rt, _ := newTestRuntime(t)
	require.NoError(t, rt.Load(parse(t, listYAML, cartYAML)))

	old, err := rt.New("list", nil)
	require.NoError(t, err)

	updated := `
viewmodel: list
defaults:
  title: renamed
`
	require.NoError(t, rt.Reload(parse(t, updated)))

	_, ok := rt.Class("cart")
	assert.False(t, ok, "reload replaces the whole class set")

	fresh, err := rt.New("list", nil)
	require.NoError(t, err)
	assert.Equal(t, "renamed", fresh.Get("title"))
	assert.Equal(t, "", old.Get("title"), "live instances keep their class")

	// A failing reload keeps the previous classes.
	err = rt.Reload(parse(t, cartYAML))
	assert.Error(t, err)
	_, ok = rt.Class("list")
	assert.True(t, ok)
}

func TestRuntime_LoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list.yaml"), []byte(listYAML), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shop"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop", "cart.yml"), []byte(cartYAML), 0o644))

	bus := events.NewBus(testLogger())
	rt := New(Config{DefinitionsDir: dir, Env: viewmodel.Env{Bus: bus}, Logger: testLogger()})
	rt.RegisterMethod(AnyClass, "clear", func(vm *viewmodel.ViewModel, args ...any) any { return nil })
	rt.RegisterMethod("cart", "describe", func(vm *viewmodel.ViewModel, args ...any) any { return "" })

	require.NoError(t, rt.LoadDir(""))
	assert.Equal(t, 2, rt.Registry().Len())

	require.NoError(t, rt.ReloadDir(dir))
	assert.Equal(t, 2, rt.Registry().Len())

	err := rt.LoadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestRuntime_CloseDisposesAll(t *testing.T) {
	rt, bus := newTestRuntime(t)
	require.NoError(t, rt.Load(parse(t, listYAML)))

	for i := 0; i < 3; i++ {
		_, err := rt.New("list", nil)
		require.NoError(t, err)
	}
	require.Equal(t, 3, rt.Count())

	rt.Close()
	assert.Equal(t, 0, rt.Count())
	assert.Equal(t, 0, bus.Subscriptions())
}
