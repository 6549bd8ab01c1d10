package viewmodel

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/vmkit/core/schema"
)

var (
	// ErrUnknownMethod is reported when a definition references a method
	// the class does not define.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrUnknownField is reported for reads and writes of undeclared fields.
	ErrUnknownField = errors.New("unknown field")

	// ErrReadOnly is reported when writing a derived field.
	ErrReadOnly = errors.New("field is read-only")
)

// Method is an instance method. The receiver is always the owning instance.
type Method func(vm *ViewModel, args ...any) any

// Derivation computes a derived field.
type Derivation func(vm *ViewModel) any

// Options are the caller-supplied initial values of a new instance.
// Values may already be reactive cells, which are adopted as they are.
type Options map[string]any

// Proto is what a subclass layers over its base.
type Proto struct {
	schema.Definition

	Methods map[string]Method

	// Initialize runs last during construction.
	Initialize func(vm *ViewModel, opts Options) error

	// Parse transforms data passed to LoadData.
	Parse func(vm *ViewModel, data map[string]any) map[string]any

	// Constructor replaces the default construction. It must call
	// Construct (or the base class' New) to obtain the instance.
	Constructor func(c *Class, env Env, opts Options) (*ViewModel, error)
}

// Class is a materialized view-model type. Classes are immutable once
// built; Extend always produces a fresh class.
type Class struct {
	def         schema.Definition
	methods     map[string]Method
	statics     map[string]any
	initialize  func(vm *ViewModel, opts Options) error
	parse       func(vm *ViewModel, data map[string]any) map[string]any
	constructor func(c *Class, env Env, opts Options) (*ViewModel, error)
	super       *Class
	err         error
}

var base = &Class{
	def: schema.Definition{
		Name:         "ViewModel",
		TemplatePath: "templates",
	},
	methods: map[string]Method{},
	statics: map[string]any{},
}

// Base returns the root view-model class.
func Base() *Class {
	return base
}

// Extend returns a new class whose definition is a deep copy of c's with
// every non-empty section of proto shadowing it. Methods and statics are
// merged per name. c is never modified.
//
// Configuration faults (unknown methods, bad expressions, reserved names)
// are recorded on the returned class and reported by Err and New.
func (c *Class) Extend(proto Proto, statics map[string]any) *Class {
	child := proto.Definition
	child.Extends = c.def.Name
	if child.Name == "" {
		// anonymous subclasses report their base's name
		child.Name = c.def.Name
		child.Extends = c.def.Extends
	}

	sub := &Class{
		def:         c.def.Overlay(child),
		methods:     make(map[string]Method, len(c.methods)+len(proto.Methods)),
		statics:     make(map[string]any, len(c.statics)+len(statics)),
		initialize:  c.initialize,
		parse:       c.parse,
		constructor: c.constructor,
		super:       c,
	}

	for name, fn := range c.methods {
		sub.methods[name] = fn
	}
	for name, fn := range proto.Methods {
		sub.methods[name] = fn
	}
	for name, v := range c.statics {
		sub.statics[name] = schema.CloneValue(v)
	}
	for name, v := range statics {
		sub.statics[name] = schema.CloneValue(v)
	}

	if proto.Initialize != nil {
		sub.initialize = proto.Initialize
	}
	if proto.Parse != nil {
		sub.parse = proto.Parse
	}
	if proto.Constructor != nil {
		sub.constructor = proto.Constructor
	}

	sub.err = sub.validate()
	return sub
}

// Err returns the configuration fault recorded when the class was built.
func (c *Class) Err() error {
	return c.err
}

// New creates an instance using the class constructor.
func (c *Class) New(env Env, opts Options) (*ViewModel, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.constructor != nil {
		return c.constructor(c, env, opts)
	}
	return Construct(c, env, opts)
}

// Name returns the class name.
func (c *Class) Name() string {
	return c.def.Name
}

func (c *Class) String() string {
	return c.def.Name
}

// Super returns the base class, or nil for the root.
func (c *Class) Super() *Class {
	return c.super
}

// Is reports whether c is other or extends it.
func (c *Class) Is(other *Class) bool {
	for cur := c; cur != nil; cur = cur.super {
		if cur == other {
			return true
		}
	}
	return false
}

// Definition returns a copy of the materialized definition.
func (c *Class) Definition() schema.Definition {
	return c.def.Clone()
}

// HasMethod checks if the class defines name.
func (c *Class) HasMethod(name string) bool {
	_, ok := c.methods[name]
	return ok
}

// Method returns the method registered under name.
func (c *Class) Method(name string) (Method, bool) {
	fn, ok := c.methods[name]
	return fn, ok
}

// Methods returns the method names sorted.
func (c *Class) Methods() []string {
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Static returns a static member.
func (c *Class) Static(name string) (any, bool) {
	v, ok := c.statics[name]
	return v, ok
}

// Statics returns a copy of the static members.
func (c *Class) Statics() map[string]any {
	out := make(map[string]any, len(c.statics))
	for k, v := range c.statics {
		out[k] = schema.CloneValue(v)
	}
	return out
}

// validate checks the definition and every method it references.
func (c *Class) validate() error {
	if err := schema.Validate(c.def); err != nil {
		return fmt.Errorf("class %s: %w", c.def.Name, err)
	}

	var errs []string
	need := func(what, name string) {
		if !c.HasMethod(name) {
			errs = append(errs, fmt.Sprintf("%s: %q", what, name))
		}
	}

	for _, d := range c.def.Defaults {
		if ref, ok := d.Value.(schema.MethodRef); ok {
			need(fmt.Sprintf("default %q", d.Name), string(ref))
		}
	}

	for _, group := range []struct {
		kind  string
		calls schema.Calls
	}{{"command", c.def.Commands}, {"query", c.def.Queries}} {
		for _, name := range group.calls.Names() {
			call := group.calls[name]
			for _, handler := range call.Handlers() {
				need(fmt.Sprintf("%s %q handler", group.kind, name), handler)
			}
			if ref, ok := call.Payload.(schema.MethodRef); ok {
				need(fmt.Sprintf("%s %q payload", group.kind, name), string(ref))
			}
		}
	}

	for _, r := range c.def.Messages {
		switch acc := r.Accessor.(type) {
		case schema.MethodRef:
			need(fmt.Sprintf("message %q accessor", r.Event), string(acc))
		case string:
			need(fmt.Sprintf("message %q accessor", r.Event), acc)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("class %s: %w:\n  - %s", c.def.Name, ErrUnknownMethod, strings.Join(errs, "\n  - "))
	}
	return nil
}
