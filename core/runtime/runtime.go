// Package runtime loads declarative view-model definitions into classes,
// binds their Go methods, and tracks the live instances created from them.
package runtime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/artpar/vmkit/core/registry"
	"github.com/artpar/vmkit/core/schema"
	"github.com/artpar/vmkit/core/viewmodel"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownClass is returned for class names that are not loaded.
	ErrUnknownClass = errors.New("unknown class")

	// ErrUnknownInstance is returned for instance IDs that are not live.
	ErrUnknownInstance = errors.New("unknown instance")
)

// Runtime is the execution environment for view-models.
type Runtime struct {
	mu sync.RWMutex

	// registry holds the loaded classes and their route index
	registry *registry.Registry

	// methods binds Go code to definitions
	methods *MethodRegistry

	// definitions as last loaded, in extends order
	defs []schema.Definition

	// live instances by id, plus creation order
	instances map[string]*viewmodel.ViewModel
	order     []string

	env    viewmodel.Env
	logger zerolog.Logger
	config Config
}

// Config configures the runtime.
type Config struct {
	// DefinitionsDir is the directory LoadDir and ReloadDir read by default.
	DefinitionsDir string

	// Env is shared by every instance the runtime creates. Its logger is
	// replaced by Logger.
	Env viewmodel.Env

	Logger zerolog.Logger
}

// New creates a new runtime.
func New(config Config) *Runtime {
	env := config.Env
	env.Logger = config.Logger
	return &Runtime{
		registry:  registry.New(),
		methods:   NewMethodRegistry(),
		instances: make(map[string]*viewmodel.ViewModel),
		env:       env,
		logger:    config.Logger,
		config:    config,
	}
}

// Registry returns the class registry.
func (r *Runtime) Registry() *registry.Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registry
}

// Methods returns the method registry.
func (r *Runtime) Methods() *MethodRegistry {
	return r.methods
}

// RegisterMethod binds fn as method name of class. Register methods
// before loading the definitions that reference them.
func (r *Runtime) RegisterMethod(class, name string, fn viewmodel.Method) {
	r.methods.Register(class, name, fn)
}

// Load builds classes from defs, in extends order, on top of the classes
// already loaded. Nothing is registered unless every class builds.
func (r *Runtime) Load(defs []schema.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	built, err := r.build(r.registry, defs)
	if err != nil {
		return err
	}
	var conflicts []registry.Conflict
	for _, c := range built {
		if _, exists := r.registry.Get(c.Name()); exists {
			conflicts = append(conflicts, registry.Conflict{Kind: "class", Key: c.Name()})
		}
	}
	if len(conflicts) > 0 {
		return &registry.ConflictError{Conflicts: conflicts}
	}
	for _, c := range built {
		if err := r.registry.Register(c); err != nil {
			return err
		}
	}
	r.defs = append(r.defs, sortedDefs(built)...)
	r.reportUnrouted(r.registry)
	return nil
}

// LoadDir parses every definition under dir (or the configured directory
// when dir is empty) and loads it.
func (r *Runtime) LoadDir(dir string) error {
	defs, err := r.parseDir(dir)
	if err != nil {
		return err
	}
	return r.Load(defs)
}

// Reload replaces every loaded class with classes built from defs. Live
// instances keep the class they were created with. On error the previous
// classes stay loaded.
func (r *Runtime) Reload(defs []schema.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := registry.New()
	built, err := r.build(next, defs)
	if err != nil {
		return err
	}
	for _, c := range built {
		if err := next.Register(c); err != nil {
			return err
		}
	}

	r.registry = next
	r.defs = sortedDefs(built)
	r.reportUnrouted(next)
	r.logger.Info().Int("classes", next.Len()).Msg("definitions reloaded")
	return nil
}

// ReloadDir re-reads the definitions directory and reloads it.
func (r *Runtime) ReloadDir(dir string) error {
	defs, err := r.parseDir(dir)
	if err != nil {
		return err
	}
	return r.Reload(defs)
}

// Definitions returns the loaded definitions in extends order.
func (r *Runtime) Definitions() []schema.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.Definition, len(r.defs))
	for i, d := range r.defs {
		out[i] = d.Clone()
	}
	return out
}

// Class returns a loaded class.
func (r *Runtime) Class(name string) (*viewmodel.Class, bool) {
	return r.Registry().Get(name)
}

// Classes returns every loaded class sorted by name.
func (r *Runtime) Classes() []*viewmodel.Class {
	return r.Registry().List()
}

func (r *Runtime) parseDir(dir string) ([]schema.Definition, error) {
	if dir == "" {
		dir = r.config.DefinitionsDir
	}
	defs, err := schema.ParseDir(dir)
	if err != nil {
		return nil, fmt.Errorf("parse definitions from %q: %w", dir, err)
	}
	return defs, nil
}

// build materializes defs in extends order. Bases resolve against the
// classes built so far, then reg, then the root class.
func (r *Runtime) build(reg *registry.Registry, defs []schema.Definition) ([]*viewmodel.Class, error) {
	sorted, err := schema.SortByExtends(defs)
	if err != nil {
		return nil, err
	}

	built := make(map[string]*viewmodel.Class, len(sorted))
	out := make([]*viewmodel.Class, 0, len(sorted))
	for _, def := range sorted {
		base, err := r.base(reg, built, def.Extends)
		if err != nil {
			return nil, fmt.Errorf("viewmodel %q: %w", def.Name, err)
		}

		proto := r.methods.Proto(def.Name)
		proto.Definition = def
		c := base.Extend(proto, nil)
		if err := c.Err(); err != nil {
			return nil, err
		}

		built[def.Name] = c
		out = append(out, c)
		r.logger.Debug().Str("class", def.Name).Str("extends", base.Name()).Msg("class built")
	}
	return out, nil
}

func (r *Runtime) base(reg *registry.Registry, built map[string]*viewmodel.Class, name string) (*viewmodel.Class, error) {
	if name == "" || name == viewmodel.Base().Name() {
		return viewmodel.Base(), nil
	}
	if c, ok := built[name]; ok {
		return c, nil
	}
	if c, ok := reg.Get(name); ok {
		return c, nil
	}
	return nil, fmt.Errorf("extends %w %q", ErrUnknownClass, name)
}

func (r *Runtime) reportUnrouted(reg *registry.Registry) {
	for _, claim := range reg.Unrouted() {
		r.logger.Debug().
			Str("class", claim.Class).
			Str("event", claim.Name).
			Str("route", claim.Key()).
			Msg("no local subscriber for outbound route")
	}
}

func sortedDefs(classes []*viewmodel.Class) []schema.Definition {
	defs := make([]schema.Definition, len(classes))
	for i, c := range classes {
		defs[i] = c.Definition()
	}
	return defs
}

// -----------------------------------------------------------------------------
// Instances
// -----------------------------------------------------------------------------

// New creates and tracks an instance of class.
func (r *Runtime) New(class string, opts viewmodel.Options) (*viewmodel.ViewModel, error) {
	c, ok := r.Class(class)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownClass, class)
	}

	vm, err := c.New(r.env, opts)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", class, err)
	}

	r.mu.Lock()
	r.instances[vm.ID()] = vm
	r.order = append(r.order, vm.ID())
	r.mu.Unlock()

	r.logger.Debug().Str("class", class).Str("id", vm.ID()).Msg("instance created")
	return vm, nil
}

// Get returns a live instance.
func (r *Runtime) Get(id string) (*viewmodel.ViewModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vm, ok := r.instances[id]
	return vm, ok
}

// List returns live instances in creation order, optionally only those of
// class (or its subclasses).
func (r *Runtime) List(class string) []*viewmodel.ViewModel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var filter *viewmodel.Class
	if class != "" {
		c, ok := r.registry.Get(class)
		if !ok {
			return nil
		}
		filter = c
	}

	out := make([]*viewmodel.ViewModel, 0, len(r.order))
	for _, id := range r.order {
		vm := r.instances[id]
		if filter != nil && !vm.Class().Is(filter) && vm.Class().Name() != filter.Name() {
			continue
		}
		out = append(out, vm)
	}
	return out
}

// Count returns the number of live instances.
func (r *Runtime) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Dispose closes and forgets an instance.
func (r *Runtime) Dispose(id string) error {
	r.mu.Lock()
	vm, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
		for i, existing := range r.order {
			if existing == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownInstance, id)
	}
	vm.Close()
	r.logger.Debug().Str("id", id).Msg("instance disposed")
	return nil
}

// ReconfigureAll re-installs the message routes of every live instance,
// for example after the bus reconnected.
func (r *Runtime) ReconfigureAll() error {
	var errs []error
	for _, vm := range r.List("") {
		if err := vm.ConfigureMessaging(); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", vm.Class().Name(), vm.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Close disposes every live instance.
func (r *Runtime) Close() {
	for _, vm := range r.List("") {
		_ = r.Dispose(vm.ID())
	}
}
