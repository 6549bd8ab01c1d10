package runtime

import (
	"sort"
	"sync"

	"github.com/artpar/vmkit/core/viewmodel"
)

// AnyClass registers a method on every class.
const AnyClass = "*"

// MethodRegistry holds the Go code bound to declarative classes: methods
// referenced by name from definitions, plus initialize and parse hooks.
// Registrations take effect for classes built afterwards.
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]map[string]viewmodel.Method
	inits   map[string]func(vm *viewmodel.ViewModel, opts viewmodel.Options) error
	parsers map[string]func(vm *viewmodel.ViewModel, data map[string]any) map[string]any
}

// NewMethodRegistry creates a new method registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{
		methods: make(map[string]map[string]viewmodel.Method),
		inits:   make(map[string]func(*viewmodel.ViewModel, viewmodel.Options) error),
		parsers: make(map[string]func(*viewmodel.ViewModel, map[string]any) map[string]any),
	}
}

// Register binds fn as method name of class (or AnyClass).
func (r *MethodRegistry) Register(class, name string, fn viewmodel.Method) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.methods[class] == nil {
		r.methods[class] = make(map[string]viewmodel.Method)
	}
	r.methods[class][name] = fn
}

// RegisterInitializer sets the initialize hook of class.
func (r *MethodRegistry) RegisterInitializer(class string, fn func(vm *viewmodel.ViewModel, opts viewmodel.Options) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inits[class] = fn
}

// RegisterParser sets the LoadData parse hook of class.
func (r *MethodRegistry) RegisterParser(class string, fn func(vm *viewmodel.ViewModel, data map[string]any) map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[class] = fn
}

// Proto returns the Go side of class: its methods (AnyClass methods first,
// shadowed by class methods) and hooks.
func (r *MethodRegistry) Proto(class string) viewmodel.Proto {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make(map[string]viewmodel.Method)
	for name, fn := range r.methods[AnyClass] {
		methods[name] = fn
	}
	for name, fn := range r.methods[class] {
		methods[name] = fn
	}

	return viewmodel.Proto{
		Methods:    methods,
		Initialize: r.inits[class],
		Parse:      r.parsers[class],
	}
}

// Has checks if a method is registered for class.
func (r *MethodRegistry) Has(class, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[class][name]
	return ok
}

// List returns the method names registered for class.
func (r *MethodRegistry) List(class string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.methods[class]))
	for name := range r.methods[class] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
