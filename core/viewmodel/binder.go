package viewmodel

import (
	"fmt"

	"github.com/artpar/vmkit/core/reactive"
	"github.com/artpar/vmkit/core/schema"
)

// bindProperties produces one reactive field per declared default, in
// declaration order. A later field replaces an earlier one of the same name.
func (vm *ViewModel) bindProperties(opts Options) {
	for _, d := range vm.class.def.Defaults {
		vm.setField(d.Name, vm.bindProperty(d, opts))
	}
}

func (vm *ViewModel) bindProperty(d schema.Default, opts Options) reactive.Cell {
	if derive := vm.derivation(d.Value); derive != nil {
		return reactive.NewComputed(derive)
	}

	opt, hasOpt := opts[d.Name]
	if hasOpt && opt == nil {
		hasOpt = false
	}

	if reactive.IsSequence(d.Value) {
		if arr, ok := opt.(*reactive.Array); ok {
			return arr
		}
		seed := d.Value
		if hasOpt {
			if reactive.IsSequence(opt) {
				seed = opt
			} else {
				vm.logger.Warn().
					Str("field", d.Name).
					Msgf("option of type %T is not a sequence, using default", opt)
			}
		}
		items, _ := reactive.AsSlice(seed)
		return reactive.NewArray(items)
	}

	if cell, ok := opt.(reactive.Cell); ok {
		return cell
	}
	if hasOpt {
		return reactive.NewObservable(opt)
	}
	return reactive.NewObservable(schema.CloneValue(d.Value))
}

// derivation returns the compute function for derived defaults, or nil.
func (vm *ViewModel) derivation(v any) func() any {
	switch fn := v.(type) {
	case Derivation:
		return func() any { return fn(vm) }
	case func(*ViewModel) any:
		return func() any { return fn(vm) }
	case Method:
		return func() any { return fn(vm) }
	case schema.MethodRef:
		return vm.methodDerivation(string(fn))
	case string:
		if vm.class.HasMethod(fn) {
			return vm.methodDerivation(fn)
		}
	case schema.Expr:
		return func() any {
			v, err := vm.evalExpr(fn.Source, nil)
			if err != nil {
				vm.logger.Error().Err(err).Str("expr", fn.Source).Msg("derived field evaluation failed")
				return nil
			}
			return v
		}
	}
	return nil
}

func (vm *ViewModel) methodDerivation(name string) func() any {
	return func() any {
		v, err := vm.Call(name)
		if err != nil {
			vm.logger.Error().Err(err).Str("method", name).Msg("derived field evaluation failed")
			return nil
		}
		return v
	}
}

// evalExpr evaluates source over the fields it names plus extra.
// Field reads are tracked, so expressions inside derived fields
// recompute when those fields change.
func (vm *ViewModel) evalExpr(source string, extra map[string]any) (any, error) {
	idents, err := vm.env.Expressions.Identifiers(source)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", source, err)
	}

	env := make(map[string]any, len(idents)+len(extra))
	for _, name := range idents {
		if cell, ok := vm.Field(name); ok {
			env[name] = reactive.ToPlain(cell)
		}
	}
	for k, v := range extra {
		env[k] = v
	}
	return vm.env.Expressions.Eval(source, env)
}
