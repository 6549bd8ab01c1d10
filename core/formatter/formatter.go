// Package formatter renders view-model snapshots and class summaries.
// Formatters convert plain records to an output format (table, json, yaml).
package formatter

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// View names what is being formatted and its default column order.
type View struct {
	// Name is the class name (or another label for the records).
	Name string

	// Columns is the default column order. When empty, the sorted union
	// of record keys is used.
	Columns []string
}

// Formatter converts structured data to a specific output format.
type Formatter interface {
	// Name returns the formatter name (e.g., "table", "json", "yaml").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// FormatList formats a list of records.
	FormatList(w io.Writer, view View, records []map[string]any, opts FormatOptions) error

	// FormatRecord formats a single record.
	FormatRecord(w io.Writer, view View, record map[string]any, opts FormatOptions) error

	// FormatError formats an error.
	FormatError(w io.Writer, err error) error
}

// FormatOptions configures formatting behavior.
type FormatOptions struct {
	// Columns specifies which fields to include (nil = all visible).
	// Fields whose names start with "_" are hidden unless named here.
	Columns []string

	// NoHeader disables header row for tabular formats.
	NoHeader bool

	// Compact minimizes whitespace (for json/yaml).
	Compact bool

	// MaxWidth truncates long values (0 = no limit).
	MaxWidth int
}

// Registry manages registered formatters.
type Registry struct {
	mu         sync.RWMutex
	formatters map[string]Formatter
	defaultFmt string
}

// NewRegistry creates a new formatter registry.
func NewRegistry() *Registry {
	return &Registry{
		formatters: make(map[string]Formatter),
		defaultFmt: "table",
	}
}

// Register adds a formatter to the registry.
func (r *Registry) Register(f Formatter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.formatters[f.Name()]; exists {
		return fmt.Errorf("formatter %q already registered", f.Name())
	}

	r.formatters[f.Name()] = f
	return nil
}

// Get returns a formatter by name.
func (r *Registry) Get(name string) (Formatter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.formatters[name]
	return f, ok
}

// Default returns the default formatter.
func (r *Registry) Default() Formatter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.formatters[r.defaultFmt]
	if !ok {
		// Fallback to first available
		for _, fmt := range r.formatters {
			return fmt
		}
		return nil
	}
	return f
}

// SetDefault sets the default formatter.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.formatters[name]; !exists {
		return fmt.Errorf("formatter %q not registered", name)
	}

	r.defaultFmt = name
	return nil
}

// List returns all registered formatter names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.formatters))
	for name := range r.formatters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the global formatter registry.
var DefaultRegistry = NewRegistry()

// Register adds a formatter to the default registry.
func Register(f Formatter) error {
	return DefaultRegistry.Register(f)
}

// Get returns a formatter from the default registry.
func Get(name string) (Formatter, bool) {
	return DefaultRegistry.Get(name)
}

// Default returns the default formatter from the default registry.
func Default() Formatter {
	return DefaultRegistry.Default()
}

// List returns all formatter names from the default registry.
func List() []string {
	return DefaultRegistry.List()
}

// Hidden reports whether a field is left out unless requested by name.
func Hidden(name string) bool {
	return strings.HasPrefix(name, "_")
}

// columns determines which columns to display.
func resolveColumns(view View, records []map[string]any, requested []string) []string {
	if len(requested) > 0 {
		return requested
	}

	names := view.Columns
	if len(names) == 0 {
		seen := make(map[string]bool)
		for _, record := range records {
			for k := range record {
				if !seen[k] {
					seen[k] = true
					names = append(names, k)
				}
			}
		}
		sort.Strings(names)
	}

	var out []string
	for _, name := range names {
		if !Hidden(name) {
			out = append(out, name)
		}
	}
	return out
}

// filterRecord keeps the requested columns, or every visible field.
func filterRecord(record map[string]any, requested []string) map[string]any {
	result := make(map[string]any)
	if len(requested) > 0 {
		for _, col := range requested {
			if val, ok := record[col]; ok {
				result[col] = val
			}
		}
		return result
	}

	for k, v := range record {
		if !Hidden(k) {
			result[k] = v
		}
	}
	return result
}

func filterRecords(records []map[string]any, requested []string) []map[string]any {
	result := make([]map[string]any, len(records))
	for i, record := range records {
		result[i] = filterRecord(record, requested)
	}
	return result
}
