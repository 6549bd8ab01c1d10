// Package binding provides ports.Binder implementations that render
// view-models and keep the output in sync as their fields change.
//
//   - Console renders through a formatter to an io.Writer.
//   - Template renders a text/template resolved from BindOptions.TemplatePath.
//   - Live streams snapshots and changes over a WebSocket connection.
//
// Bindings must implement ports.Watchable; view-model instances do.
package binding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/artpar/vmkit/core/formatter"
	"github.com/artpar/vmkit/ports"
)

var (
	// ErrNotWatchable is returned for bindings that cannot be followed.
	ErrNotWatchable = errors.New("binding: bindings do not implement ports.Watchable")

	// ErrTarget is returned for targets a binder cannot render into.
	ErrTarget = errors.New("binding: unsupported target")
)

// identified is implemented by view-model instances.
type identified interface {
	ID() string
}

// fielded is implemented by view-model instances.
type fielded interface {
	Fields() []string
}

func watchable(bindings any) (ports.Watchable, error) {
	w, ok := bindings.(ports.Watchable)
	if !ok {
		return nil, fmt.Errorf("%w (got %T)", ErrNotWatchable, bindings)
	}
	return w, nil
}

// record returns the plain state of bindings with its id, if any.
func record(w ports.Watchable) map[string]any {
	var out map[string]any
	switch s := w.Snapshot().(type) {
	case map[string]any:
		out = s
	case nil:
		out = map[string]any{}
	default:
		out = map[string]any{"value": s}
	}
	if ided, ok := w.(identified); ok {
		out["id"] = ided.ID()
	}
	return out
}

func view(w ports.Watchable, opts ports.BindOptions) formatter.View {
	v := formatter.View{Name: opts.Template}
	if f, ok := w.(fielded); ok {
		v.Columns = f.Fields()
		if _, ok := w.(identified); ok {
			v.Columns = append([]string{"id"}, v.Columns...)
		}
	}
	return v
}

// follow calls render after every change until the returned detach function
// runs or ctx is done. Renders are serialized.
func follow(ctx context.Context, w ports.Watchable, render func(field string, value any)) func() {
	var mu sync.Mutex
	var once sync.Once
	done := make(chan struct{})

	cancel := w.Watch(func(field string, value any) {
		select {
		case <-done:
			return
		default:
		}
		mu.Lock()
		defer mu.Unlock()
		render(field, value)
	})

	detach := func() {
		once.Do(func() {
			close(done)
			cancel()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			detach()
		case <-done:
		}
	}()

	return detach
}

// Router dispatches to the first binder that accepts the target type.
type Router struct {
	routes []route
}

type route struct {
	accepts func(target any) bool
	binder  ports.Binder
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers binder for targets accepted by fn.
func (r *Router) Handle(accepts func(target any) bool, binder ports.Binder) *Router {
	r.routes = append(r.routes, route{accepts: accepts, binder: binder})
	return r
}

// ApplyBindings implements ports.Binder.
func (r *Router) ApplyBindings(ctx context.Context, bindings, target any, opts ports.BindOptions) (func(), error) {
	for _, rt := range r.routes {
		if rt.accepts(target) {
			return rt.binder.ApplyBindings(ctx, bindings, target, opts)
		}
	}
	return nil, fmt.Errorf("%w %T", ErrTarget, target)
}

var _ ports.Binder = (*Router)(nil)
