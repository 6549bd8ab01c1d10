// Package viewmodel provides the view-model base: classes built by
// extension, instances with reactive fields, remote calls and messaging.
//
// Construction always runs in the same order: reactive properties are
// bound, commands and queries are resolved, messaging is configured, and
// finally the class Initialize hook runs.
package viewmodel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/artpar/vmkit/core/command"
	"github.com/artpar/vmkit/core/deferred"
	"github.com/artpar/vmkit/core/events"
	"github.com/artpar/vmkit/core/messaging"
	"github.com/artpar/vmkit/core/reactive"
	"github.com/artpar/vmkit/ports"
	"github.com/rs/zerolog"
)

// ErrNoBinder is returned by Bind when the environment has no binder.
var ErrNoBinder = errors.New("no binder configured")

// ViewModel is one instance of a Class.
type ViewModel struct {
	id     string
	class  *Class
	env    Env
	logger zerolog.Logger

	mu      sync.RWMutex
	fields  map[string]reactive.Cell
	order   []string
	created bool
	closed  bool

	calls     *command.Registry
	emitter   *events.Emitter
	messenger *messaging.Messenger
}

// Construct builds an instance of c in the fixed construction order.
// Custom constructors call it to obtain the instance.
func Construct(c *Class, env Env, opts Options) (*ViewModel, error) {
	if c.err != nil {
		return nil, c.err
	}
	env = env.withDefaults()
	if opts == nil {
		opts = Options{}
	}

	id := env.IDs.New()
	vm := &ViewModel{
		id:      id,
		class:   c,
		env:     env,
		logger:  env.Logger.With().Str("viewmodel", c.Name()).Str("id", id).Logger(),
		fields:  make(map[string]reactive.Cell),
		emitter: events.NewEmitter(),
	}
	vm.messenger = messaging.New(env.Bus, vm.emitter, c.def.Channel(), vm.logger)

	vm.bindProperties(opts)

	if err := vm.buildRegistry(); err != nil {
		return nil, fmt.Errorf("construct %s: %w", c.Name(), err)
	}

	if err := vm.ConfigureMessaging(); err != nil {
		return nil, fmt.Errorf("construct %s: %w", c.Name(), err)
	}

	if c.initialize != nil {
		if err := c.initialize(vm, opts); err != nil {
			vm.Close()
			return nil, fmt.Errorf("initialize %s: %w", c.Name(), err)
		}
	}

	vm.mu.Lock()
	vm.created = true
	vm.mu.Unlock()

	if env.Observer != nil {
		env.Observer.InstanceCreated(c.Name())
	}
	vm.logger.Debug().Int("fields", len(vm.order)).Msg("viewmodel constructed")

	return vm, nil
}

// ID returns the instance ID.
func (vm *ViewModel) ID() string {
	return vm.id
}

// Class returns the instance's class.
func (vm *ViewModel) Class() *Class {
	return vm.class
}

func (vm *ViewModel) String() string {
	return vm.class.Name()
}

// TemplatePath returns the template path handed to the binder.
func (vm *ViewModel) TemplatePath() string {
	return vm.class.def.TemplatePath
}

// Logger returns the instance logger.
func (vm *ViewModel) Logger() zerolog.Logger {
	return vm.logger
}

// -----------------------------------------------------------------------------
// Fields
// -----------------------------------------------------------------------------

func (vm *ViewModel) setField(name string, cell reactive.Cell) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if old, ok := vm.fields[name]; ok {
		if c, ok := old.(*reactive.Computed); ok {
			c.Dispose()
		}
	} else {
		vm.order = append(vm.order, name)
	}
	vm.fields[name] = cell
}

// Field returns the reactive cell behind name.
func (vm *ViewModel) Field(name string) (reactive.Cell, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	cell, ok := vm.fields[name]
	return cell, ok
}

// Fields returns the field names in declaration order.
func (vm *ViewModel) Fields() []string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make([]string, len(vm.order))
	copy(out, vm.order)
	return out
}

// Get reads a field. Reads inside a derived field are tracked.
func (vm *ViewModel) Get(name string) any {
	cell, ok := vm.Field(name)
	if !ok {
		return nil
	}
	return cell.Get()
}

// Set writes a field.
func (vm *ViewModel) Set(name string, value any) error {
	cell, ok := vm.Field(name)
	if !ok {
		return fmt.Errorf("%w %q on %s", ErrUnknownField, name, vm.class.Name())
	}
	w, ok := cell.(reactive.Writable)
	if !ok {
		return fmt.Errorf("set %q: %w", name, ErrReadOnly)
	}
	w.Set(value)
	return nil
}

// Observable returns the scalar field name, or nil.
func (vm *ViewModel) Observable(name string) *reactive.Observable {
	cell, _ := vm.Field(name)
	o, _ := cell.(*reactive.Observable)
	return o
}

// Array returns the sequence field name, or nil.
func (vm *ViewModel) Array(name string) *reactive.Array {
	cell, _ := vm.Field(name)
	a, _ := cell.(*reactive.Array)
	return a
}

// Computed returns the derived field name, or nil.
func (vm *ViewModel) Computed(name string) *reactive.Computed {
	cell, _ := vm.Field(name)
	c, _ := cell.(*reactive.Computed)
	return c
}

// LoadData runs data through the class Parse hook, then writes every key
// that names a writable field. Other keys are ignored.
func (vm *ViewModel) LoadData(data map[string]any) {
	if vm.class.parse != nil {
		data = vm.class.parse(vm, data)
	}

	for _, name := range vm.Fields() {
		value, ok := data[name]
		if !ok {
			continue
		}
		cell, _ := vm.Field(name)
		if w, ok := cell.(reactive.Writable); ok {
			w.Set(value)
		}
	}
}

// Raw returns a plain, deep snapshot of every field.
func (vm *ViewModel) Raw() map[string]any {
	out := make(map[string]any)
	for _, name := range vm.Fields() {
		cell, _ := vm.Field(name)
		out[name] = reactive.ToPlain(cell)
	}
	return out
}

// Snapshot implements reactive.Snapshotter so nested instances serialize
// as their plain state.
func (vm *ViewModel) Snapshot() any {
	return vm.Raw()
}

// Serialize returns the JSON form of target, or of the instance when no
// target is given.
func (vm *ViewModel) Serialize(target ...any) (string, error) {
	var v any = vm
	if len(target) > 0 {
		v = target[0]
	}
	b, err := reactive.ToJSON(v)
	if err != nil {
		return "", fmt.Errorf("serialize %s: %w", vm.class.Name(), err)
	}
	return string(b), nil
}

// Watch calls fn after any field changes.
func (vm *ViewModel) Watch(fn func(field string, value any)) (cancel func()) {
	var subs []*reactive.Subscription
	for _, name := range vm.Fields() {
		name := name
		cell, _ := vm.Field(name)
		subs = append(subs, cell.Subscribe(func(value any) { fn(name, value) }))
	}
	return func() {
		for _, s := range subs {
			s.Dispose()
		}
	}
}

// BuildCollection maps items through ctor.
func (vm *ViewModel) BuildCollection(items any, ctor reactive.Constructor) []any {
	seq, _ := reactive.AsSlice(items)
	return reactive.BuildCollection(seq, ctor)
}

// -----------------------------------------------------------------------------
// Methods
// -----------------------------------------------------------------------------

// Call invokes a class method with the instance as receiver.
func (vm *ViewModel) Call(name string, args ...any) (any, error) {
	fn, err := vm.boundMethod(name)
	if err != nil {
		return nil, err
	}
	return fn(args...), nil
}

// HasMethod checks if the class defines name.
func (vm *ViewModel) HasMethod(name string) bool {
	return vm.class.HasMethod(name)
}

// -----------------------------------------------------------------------------
// Commands and queries
// -----------------------------------------------------------------------------

// Command returns the ref of a declared command.
func (vm *ViewModel) Command(name string) command.Ref {
	return command.Ref{Kind: command.KindCommand, Name: name}
}

// Query returns the ref of a declared query.
func (vm *ViewModel) Query(name string) command.Ref {
	return command.Ref{Kind: command.KindQuery, Name: name}
}

// Calls returns the refs of every declared command and query.
func (vm *ViewModel) Calls() []command.Ref {
	return append(vm.calls.Refs(command.KindCommand), vm.calls.Refs(command.KindQuery)...)
}

// Execute issues the call ref points at. The returned handle already has
// the declared completion handlers attached.
func (vm *ViewModel) Execute(ctx context.Context, ref command.Ref) *deferred.Deferred {
	return vm.calls.Execute(ctx, ref)
}

// -----------------------------------------------------------------------------
// Messaging and local events
// -----------------------------------------------------------------------------

// ConfigureMessaging tears down every route and installs the declared ones.
func (vm *ViewModel) ConfigureMessaging() error {
	def := vm.class.def

	out := make([]messaging.Outbound, 0, len(def.Messages))
	for _, r := range def.Messages {
		acc, err := vm.accessor(r.Accessor)
		if err != nil {
			return fmt.Errorf("message %q: %w", r.Event, err)
		}
		out = append(out, messaging.Outbound{Event: r.Event, Channel: r.Channel, Topic: r.Topic, Accessor: acc})
	}

	in := make([]messaging.Inbound, 0, len(def.Subscriptions))
	for _, r := range def.Subscriptions {
		in = append(in, messaging.Inbound{Handler: r.Handler, Channel: r.Channel, Topic: r.Topic})
	}

	if err := vm.messenger.Configure(out, in, vm.handler); err != nil {
		return err
	}

	if vm.env.Observer != nil {
		vm.env.Observer.MessagingConfigured(vm.class.Name(), vm.messenger.ActiveSubscriptions())
	}
	return nil
}

// Messenger returns the instance's messaging component.
func (vm *ViewModel) Messenger() *messaging.Messenger {
	return vm.messenger
}

// Channel returns the instance channel.
func (vm *ViewModel) Channel() ports.Channel {
	return vm.messenger.Channel()
}

// Publish publishes data under topic on the instance channel.
func (vm *ViewModel) Publish(topic string, data any) error {
	return vm.messenger.Publish(topic, data)
}

// Subscribe subscribes handler to topic on the instance channel.
func (vm *ViewModel) Subscribe(topic string, handler ports.MessageHandler) (ports.Subscription, error) {
	return vm.messenger.Subscribe(topic, handler)
}

// On registers a local event listener.
func (vm *ViewModel) On(event string, fn events.Listener) events.ListenerID {
	return vm.emitter.On(event, fn)
}

// Once registers a local event listener that runs once.
func (vm *ViewModel) Once(event string, fn events.Listener) events.ListenerID {
	return vm.emitter.Once(event, fn)
}

// Off removes local event listeners.
func (vm *ViewModel) Off(event string, id events.ListenerID) {
	vm.emitter.Off(event, id)
}

// Trigger fires a local event.
func (vm *ViewModel) Trigger(event string, args ...any) {
	vm.emitter.Trigger(event, args...)
}

// -----------------------------------------------------------------------------
// Binding and lifecycle
// -----------------------------------------------------------------------------

// Bind hands bindings to the binder, rendering into target.
func (vm *ViewModel) Bind(ctx context.Context, bindings any, target any) (func(), error) {
	if vm.env.Binder == nil {
		return nil, ErrNoBinder
	}
	return vm.env.Binder.ApplyBindings(ctx, bindings, target, ports.BindOptions{
		TemplatePath: vm.TemplatePath(),
		Template:     vm.class.Name(),
	})
}

// BindTo binds the instance itself to target.
func (vm *ViewModel) BindTo(ctx context.Context, target any) (func(), error) {
	return vm.Bind(ctx, vm, target)
}

// Close tears down messaging, local listeners and derived fields.
func (vm *ViewModel) Close() {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return
	}
	vm.closed = true
	created := vm.created
	cells := make([]reactive.Cell, 0, len(vm.fields))
	for _, cell := range vm.fields {
		cells = append(cells, cell)
	}
	vm.mu.Unlock()

	vm.messenger.Close()
	vm.emitter.Off("", 0)
	for _, cell := range cells {
		if c, ok := cell.(*reactive.Computed); ok {
			c.Dispose()
		}
	}

	if created && vm.env.Observer != nil {
		vm.env.Observer.InstanceClosed(vm.class.Name())
	}
	vm.logger.Debug().Msg("viewmodel closed")
}

var (
	_ reactive.Snapshotter = (*ViewModel)(nil)
	_ ports.Watchable      = (*ViewModel)(nil)
)
