package schema

import (
	"fmt"
	"reflect"

	"gopkg.in/yaml.v3"
)

// YAML tags recognised in values.
const (
	TagExpr   = "!expr"
	TagMethod = "!method"
)

// Expr is an expression source evaluated over the instance's fields.
type Expr struct {
	Source string
}

// MarshalYAML writes the expression back with its tag.
func (e Expr) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: TagExpr, Value: e.Source}, nil
}

func (e Expr) String() string {
	return TagExpr + " " + e.Source
}

// MethodRef is an explicit reference to an instance method.
// Unlike a plain string it must resolve, or the class fails to build.
type MethodRef string

// MarshalYAML writes the reference back with its tag.
func (m MethodRef) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: TagMethod, Value: string(m)}, nil
}

// Default is one named default value.
type Default struct {
	Name  string
	Value any
}

// Defaults is the ordered defaults descriptor.
type Defaults []Default

// Get returns the default for name.
func (d Defaults) Get(name string) (any, bool) {
	for _, def := range d {
		if def.Name == name {
			return def.Value, true
		}
	}
	return nil, false
}

// Has checks if name is declared.
func (d Defaults) Has(name string) bool {
	_, ok := d.Get(name)
	return ok
}

// Names returns the declared names in order.
func (d Defaults) Names() []string {
	names := make([]string, len(d))
	for i, def := range d {
		names[i] = def.Name
	}
	return names
}

// Set replaces the value of name in place, or appends it.
func (d Defaults) Set(name string, value any) Defaults {
	for i, def := range d {
		if def.Name == name {
			out := d.Clone()
			out[i].Value = value
			return out
		}
	}
	return append(d.Clone(), Default{Name: name, Value: value})
}

// Merge layers over on top of d: existing names keep their position and
// take the new value, new names are appended in their order.
// Neither input is modified.
func (d Defaults) Merge(over Defaults) Defaults {
	out := d.Clone()
	for _, def := range over {
		replaced := false
		for i := range out {
			if out[i].Name == def.Name {
				out[i].Value = CloneValue(def.Value)
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, Default{Name: def.Name, Value: CloneValue(def.Value)})
		}
	}
	return out
}

// Clone returns a deep copy.
func (d Defaults) Clone() Defaults {
	if d == nil {
		return nil
	}
	out := make(Defaults, len(d))
	for i, def := range d {
		out[i] = Default{Name: def.Name, Value: CloneValue(def.Value)}
	}
	return out
}

// UnmarshalYAML decodes a mapping while preserving key order.
func (d *Defaults) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: defaults must be a mapping", node.Line)
	}

	out := make(Defaults, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		value, err := DecodeValue(val)
		if err != nil {
			return fmt.Errorf("default %q: %w", key.Value, err)
		}
		out = append(out, Default{Name: key.Value, Value: value})
	}

	*d = out
	return nil
}

// MarshalYAML encodes defaults as an ordered mapping.
func (d Defaults) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, def := range d {
		var val yaml.Node
		if err := val.Encode(def.Value); err != nil {
			return nil, fmt.Errorf("default %q: %w", def.Name, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: def.Name},
			&val,
		)
	}
	return node, nil
}

// DecodeValue decodes a YAML value, honouring the !expr and !method tags.
func DecodeValue(node *yaml.Node) (any, error) {
	switch node.Tag {
	case TagExpr, TagMethod:
		if node.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: %s requires a scalar", node.Line, node.Tag)
		}
		if node.Value == "" {
			return nil, fmt.Errorf("line %d: %s is empty", node.Line, node.Tag)
		}
		if node.Tag == TagExpr {
			return Expr{Source: node.Value}, nil
		}
		return MethodRef(node.Value), nil
	}

	var v any
	if err := node.Decode(&v); err != nil {
		return nil, fmt.Errorf("line %d: %w", node.Line, err)
	}
	return v, nil
}

// CloneValue deep-copies slices and maps; other values are returned as is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(out, rv)
		return out.Interface()
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), iter.Value())
		}
		return out.Interface()
	}
	return v
}
