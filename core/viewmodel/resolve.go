package viewmodel

import (
	"fmt"
	"time"

	"github.com/artpar/vmkit/core/command"
	"github.com/artpar/vmkit/core/deferred"
	"github.com/artpar/vmkit/core/messaging"
	"github.com/artpar/vmkit/core/schema"
	"github.com/artpar/vmkit/ports"
)

// buildRegistry resolves every declared command and query once.
func (vm *ViewModel) buildRegistry() error {
	var opts []command.Option
	if obs := vm.env.Observer; obs != nil {
		class := vm.class.Name()
		opts = append(opts, command.WithObserver(func(ref command.Ref, method string, result deferred.Result, elapsed time.Duration) {
			obs.CallSettled(class, string(ref.Kind), method, result.OK(), elapsed)
		}))
	}

	vm.calls = command.NewRegistry(vm, vm.env.Transport, vm.logger, opts...)

	if err := vm.calls.Build(command.KindCommand, vm.class.def.Commands, vm.resolveCall); err != nil {
		return err
	}
	return vm.calls.Build(command.KindQuery, vm.class.def.Queries, vm.resolveCall)
}

func (vm *ViewModel) resolveCall(_ string, call schema.Call) (command.Resolved, error) {
	res := command.Resolved{
		URL:         call.Target,
		Method:      call.Verb,
		ContentType: call.ContentType,
	}

	payload, err := vm.payloadFunc(call.Payload)
	if err != nil {
		return command.Resolved{}, err
	}
	res.Payload = payload

	if call.OnSuccess != "" {
		fn, err := vm.boundMethod(call.OnSuccess)
		if err != nil {
			return command.Resolved{}, fmt.Errorf("on_success: %w", err)
		}
		res.OnSuccess = func(value any) { fn(value) }
	}
	if call.OnFailure != "" {
		fn, err := vm.boundMethod(call.OnFailure)
		if err != nil {
			return command.Resolved{}, fmt.Errorf("on_failure: %w", err)
		}
		res.OnFailure = func(err error) { fn(err) }
	}
	if call.OnSettle != "" {
		fn, err := vm.boundMethod(call.OnSettle)
		if err != nil {
			return command.Resolved{}, fmt.Errorf("on_settle: %w", err)
		}
		res.OnSettle = func(result deferred.Result) { fn(result) }
	}

	return res, nil
}

// payloadFunc turns a payload source into a call-time producer.
func (vm *ViewModel) payloadFunc(src any) (func() (any, error), error) {
	switch p := src.(type) {
	case nil:
		return nil, nil
	case Derivation:
		return func() (any, error) { return p(vm), nil }, nil
	case func(*ViewModel) any:
		return func() (any, error) { return p(vm), nil }, nil
	case Method:
		return func() (any, error) { return p(vm), nil }, nil
	case func() any:
		return func() (any, error) { return p(), nil }, nil
	case schema.MethodRef:
		fn, err := vm.boundMethod(string(p))
		if err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
		return func() (any, error) { return fn(), nil }, nil
	case string:
		if fn, err := vm.boundMethod(p); err == nil {
			return func() (any, error) { return fn(), nil }, nil
		}
		return func() (any, error) { return p, nil }, nil
	case schema.Expr:
		return func() (any, error) {
			return vm.evalExpr(p.Source, nil)
		}, nil
	default:
		return func() (any, error) { return schema.CloneValue(p), nil }, nil
	}
}

// boundMethod resolves name to a function bound to vm.
func (vm *ViewModel) boundMethod(name string) (func(args ...any) any, error) {
	fn, ok := vm.class.Method(name)
	if !ok {
		return nil, fmt.Errorf("%w %q on %s", ErrUnknownMethod, name, vm.class.Name())
	}
	return func(args ...any) any { return fn(vm, args...) }, nil
}

// accessor resolves an outbound route accessor.
func (vm *ViewModel) accessor(src any) (messaging.Accessor, error) {
	switch a := src.(type) {
	case nil:
		return nil, nil
	case messaging.Accessor:
		return a, nil
	case func(args ...any) any:
		return func(args ...any) (any, error) { return a(args...), nil }, nil
	case Method:
		return func(args ...any) (any, error) { return a(vm, args...), nil }, nil
	case schema.MethodRef:
		return vm.methodAccessor(string(a))
	case string:
		return vm.methodAccessor(a)
	case schema.Expr:
		return func(args ...any) (any, error) {
			return vm.evalExpr(a.Source, map[string]any{"args": args})
		}, nil
	default:
		return nil, fmt.Errorf("unsupported accessor type %T", src)
	}
}

func (vm *ViewModel) methodAccessor(name string) (messaging.Accessor, error) {
	fn, err := vm.boundMethod(name)
	if err != nil {
		return nil, err
	}
	return func(args ...any) (any, error) { return fn(args...), nil }, nil
}

// handler looks up a subscription handler method. Handlers receive the
// message data and its envelope.
func (vm *ViewModel) handler(name string) (ports.MessageHandler, bool) {
	fn, ok := vm.class.Method(name)
	if !ok {
		return nil, false
	}
	return func(data any, env ports.Envelope) { fn(vm, data, env) }, true
}
