// Package expression evaluates expr-lang expressions used by view-model
// definitions: derived fields, call payloads and message accessors.
package expression

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// Engine compiles and caches expressions.
type Engine struct {
	// Compiled program cache
	cache   map[string]*compiled
	cacheMu sync.RWMutex

	// Expr options with custom functions
	options []expr.Option
}

type compiled struct {
	program *vm.Program
	idents  []string
}

// New creates an engine with the custom function set.
func New() *Engine {
	e := &Engine{
		cache: make(map[string]*compiled),
	}

	e.options = []expr.Option{
		expr.AllowUndefinedVariables(),

		expr.Function("coalesce", func(params ...any) (any, error) {
			for _, p := range params {
				if p != nil && p != "" {
					return p, nil
				}
			}
			return nil, nil
		}),
		expr.Function("default", func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("default requires 2 arguments (value, defaultValue)")
			}
			if params[0] == nil || params[0] == "" {
				return params[1], nil
			}
			return params[0], nil
		}),
		expr.Function("toString", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("toString requires 1 argument")
			}
			return ToString(params[0]), nil
		}),
		expr.Function("toInt", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("toInt requires 1 argument")
			}
			return toInt(params[0]), nil
		}),
		expr.Function("toFloat", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("toFloat requires 1 argument")
			}
			return toFloat(params[0]), nil
		}),
		expr.Function("jsonEncode", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("jsonEncode requires 1 argument")
			}
			b, err := json.Marshal(params[0])
			if err != nil {
				return nil, err
			}
			return string(b), nil
		}),
		expr.Function("jsonDecode", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("jsonDecode requires 1 argument")
			}
			var result any
			if err := json.Unmarshal([]byte(ToString(params[0])), &result); err != nil {
				return nil, err
			}
			return result, nil
		}),
		expr.Function("dig", func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("dig requires 2 arguments (value, path)")
			}
			return dig(params[0], ToString(params[1])), nil
		}),
		expr.Function("pick", func(params ...any) (any, error) {
			if len(params) < 1 {
				return nil, fmt.Errorf("pick requires a map and key names")
			}
			m, ok := params[0].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("pick first argument must be a map")
			}
			out := make(map[string]any, len(params)-1)
			for _, k := range params[1:] {
				key := ToString(k)
				if v, ok := m[key]; ok {
					out[key] = v
				}
			}
			return out, nil
		}),
	}

	return e
}

var defaultEngine = New()

// Default returns the shared engine.
func Default() *Engine {
	return defaultEngine
}

// Check compiles source and reports syntax errors.
func (e *Engine) Check(source string) error {
	_, err := e.getOrCompile(source)
	return err
}

// Identifiers returns the top-level names source reads, sorted.
func (e *Engine) Identifiers(source string) ([]string, error) {
	c, err := e.getOrCompile(source)
	if err != nil {
		return nil, err
	}
	return c.idents, nil
}

// Eval evaluates source against env.
func (e *Engine) Eval(source string, env map[string]any) (any, error) {
	c, err := e.getOrCompile(source)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}

	if env == nil {
		env = map[string]any{}
	}
	result, err := expr.Run(c.program, env)
	if err != nil {
		return nil, fmt.Errorf("run expression: %w", err)
	}

	return result, nil
}

// CacheSize returns the number of cached programs.
func (e *Engine) CacheSize() int {
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()
	return len(e.cache)
}

// ClearCache clears the compiled expression cache.
// Useful after definitions are reloaded.
func (e *Engine) ClearCache() {
	e.cacheMu.Lock()
	e.cache = make(map[string]*compiled)
	e.cacheMu.Unlock()
}

// getOrCompile returns a cached compiled program or compiles a new one.
func (e *Engine) getOrCompile(source string) (*compiled, error) {
	e.cacheMu.RLock()
	c, ok := e.cache[source]
	e.cacheMu.RUnlock()

	if ok {
		return c, nil
	}

	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("expression is empty")
	}

	tree, err := parser.Parse(source)
	if err != nil {
		return nil, err
	}
	collector := &identCollector{uses: make(map[string]int), calls: make(map[string]int)}
	ast.Walk(&tree.Node, collector)
	idents := collector.variables()

	// Declaring every variable in the env keeps fields named like a
	// builtin (first, last, count, max, ...) from resolving to the builtin.
	shape := make(map[string]any, len(idents))
	for _, name := range idents {
		shape[name] = nil
	}
	options := append([]expr.Option{expr.Env(shape)}, e.options...)

	program, err := expr.Compile(source, options...)
	if err != nil {
		return nil, err
	}

	c = &compiled{program: program, idents: idents}

	e.cacheMu.Lock()
	e.cache[source] = c
	e.cacheMu.Unlock()

	return c, nil
}

// identCollector counts identifier uses, and separately the uses that are
// the callee of a function call.
type identCollector struct {
	uses  map[string]int
	calls map[string]int
}

func (v *identCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		v.uses[n.Value]++
	case *ast.CallNode:
		if callee, ok := n.Callee.(*ast.IdentifierNode); ok {
			v.calls[callee.Value]++
		}
	}
}

// variables returns, sorted, the identifiers read as values.
func (v *identCollector) variables() []string {
	names := make([]string, 0, len(v.uses))
	for name, n := range v.uses {
		if n > v.calls[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Helper functions

// ToString renders v the way expressions see it as text.
func ToString(v any) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toInt(v any) int {
	if v == nil {
		return 0
	}
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(val))
		return i
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	if v == nil {
		return 0
	}
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f
	default:
		return 0
	}
}

// dig walks a dotted path through nested maps and slices.
func dig(v any, path string) any {
	if path == "" {
		return v
	}
	for _, part := range strings.Split(path, ".") {
		switch cur := v.(type) {
		case map[string]any:
			v = cur[part]
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(cur) {
				return nil
			}
			v = cur[i]
		default:
			return nil
		}
	}
	return v
}
