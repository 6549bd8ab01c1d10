package runtime

import (
	"sync"
	"testing"

	"github.com/artpar/vmkit/core/viewmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constMethod(v any) viewmodel.Method {
	return func(vm *viewmodel.ViewModel, args ...any) any { return v }
}

func TestMethodRegistry_Register(t *testing.T) {
	r := NewMethodRegistry()
	r.Register("cart", "total", constMethod(1))
	r.Register("cart", "describe", constMethod("cart"))

	assert.True(t, r.Has("cart", "total"))
	assert.False(t, r.Has("cart", "missing"))
	assert.False(t, r.Has("other", "total"))
	assert.Equal(t, []string{"describe", "total"}, r.List("cart"))
	assert.Empty(t, r.List("other"))
}

func TestMethodRegistry_ProtoMergesAnyClass(t *testing.T) {
	r := NewMethodRegistry()
	r.Register(AnyClass, "describe", constMethod("any"))
	r.Register(AnyClass, "ping", constMethod("pong"))
	r.Register("cart", "describe", constMethod("cart"))

	proto := r.Proto("cart")
	require.Len(t, proto.Methods, 2)
	assert.Equal(t, "cart", proto.Methods["describe"](nil))
	assert.Equal(t, "pong", proto.Methods["ping"](nil))

	other := r.Proto("other")
	assert.Equal(t, "any", other.Methods["describe"](nil))
	assert.Nil(t, other.Initialize)
	assert.Nil(t, other.Parse)
}

func TestMethodRegistry_Hooks(t *testing.T) {
	r := NewMethodRegistry()
	r.RegisterInitializer("cart", func(vm *viewmodel.ViewModel, opts viewmodel.Options) error { return nil })
	r.RegisterParser("cart", func(vm *viewmodel.ViewModel, data map[string]any) map[string]any { return data })

	proto := r.Proto("cart")
	assert.NotNil(t, proto.Initialize)
	assert.NotNil(t, proto.Parse)
}

func TestMethodRegistry_Concurrent(t *testing.T) {
	r := NewMethodRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("cart", "total", constMethod(1))
		}()
		go func() {
			defer wg.Done()
			_ = r.Proto("cart")
		}()
	}
	wg.Wait()
	assert.True(t, r.Has("cart", "total"))
}
