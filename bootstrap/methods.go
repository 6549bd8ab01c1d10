package bootstrap

import (
	"github.com/artpar/vmkit/core/runtime"
	"github.com/artpar/vmkit/core/viewmodel"
	"github.com/artpar/vmkit/ports"
	"github.com/rs/zerolog"
)

// Builtin method names, available to every class.
const (
	MethodLoadData = "loadData"
	MethodLog      = "log"
	MethodNoop     = "noop"
)

// RegisterBuiltins registers the methods every definition can refer to
// without Go code of its own. Class methods of the same name win.
func RegisterBuiltins(rt *runtime.Runtime, logger zerolog.Logger) {
	// loadData - writes a map result (call value or message data) into the
	// instance's fields; typical as a query on_success or a subscription handler
	rt.RegisterMethod(runtime.AnyClass, MethodLoadData, func(vm *viewmodel.ViewModel, args ...any) any {
		if len(args) == 0 {
			return nil
		}
		data, ok := args[0].(map[string]any)
		if !ok {
			l := vm.Logger()
			l.Debug().
				Str("type", typeName(args[0])).
				Msg("loadData ignored a non-object value")
			return nil
		}
		vm.LoadData(data)
		return nil
	})

	// log - records whatever it is called with
	rt.RegisterMethod(runtime.AnyClass, MethodLog, func(vm *viewmodel.ViewModel, args ...any) any {
		event := logger.Info().
			Str("class", vm.Class().Name()).
			Str("id", vm.ID())
		for _, arg := range args {
			switch a := arg.(type) {
			case ports.Envelope:
				event = event.Str("channel", a.Channel).Str("topic", a.Topic)
			case error:
				event = event.AnErr("error", a)
			}
		}
		if len(args) > 0 {
			switch args[0].(type) {
			case ports.Envelope, error:
			default:
				event = event.Interface("value", args[0])
			}
		}
		event.Msg("viewmodel log")
		return nil
	})

	// noop - placeholder handler
	rt.RegisterMethod(runtime.AnyClass, MethodNoop, func(vm *viewmodel.ViewModel, args ...any) any {
		return nil
	})

	logger.Debug().
		Int("count", 3).
		Msg("built-in methods registered")
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	switch v.(type) {
	case []any:
		return "array"
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "bool"
	default:
		return "other"
	}
}
