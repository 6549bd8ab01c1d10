package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/artpar/vmkit/core/expression"
	"gopkg.in/yaml.v3"
)

// Reserved names are instance members a field, call or handler may not use.
var Reserved = map[string]bool{
	"execute":            true,
	"bind":               true,
	"serialize":          true,
	"raw":                true,
	"loadData":           true,
	"publish":            true,
	"subscribe":          true,
	"initialize":         true,
	"parse":              true,
	"trigger":            true,
	"on":                 true,
	"off":                true,
	"once":               true,
	"configureMessaging": true,
}

var verbs = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// ParseFile parses a view-model definition from a YAML file.
func ParseFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read file %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	def.Source = path

	return def, nil
}

// Parse parses a view-model definition from YAML bytes.
func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse yaml: %w", err)
	}

	if err := Validate(def); err != nil {
		return Definition{}, fmt.Errorf("validate viewmodel %q: %w", def.Name, err)
	}

	return def, nil
}

// ParseDir parses all definitions from a directory, including subdirectories.
func ParseDir(dir string) ([]Definition, error) {
	var defs []Definition

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			sub, err := ParseDir(path)
			if err != nil {
				return nil, err
			}
			defs = append(defs, sub...)
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		def, err := ParseFile(path)
		if err != nil {
			return nil, err
		}

		defs = append(defs, def)
	}

	return defs, nil
}

// Validate validates a definition on its own.
// Method references are checked when the class is built.
func Validate(def Definition) error {
	var errs []string

	if def.Name == "" {
		errs = append(errs, "viewmodel name is required")
	} else if !isValidName(def.Name) {
		errs = append(errs, fmt.Sprintf("viewmodel name %q is not a valid identifier", def.Name))
	}

	if def.Extends != "" && def.Extends == def.Name {
		errs = append(errs, fmt.Sprintf("viewmodel %q cannot extend itself", def.Name))
	}

	members := make(map[string]string)
	claim := func(name, kind string) {
		if prev, ok := members[name]; ok {
			errs = append(errs, fmt.Sprintf("%s %q collides with %s of the same name", kind, name, prev))
			return
		}
		members[name] = kind
	}

	for _, d := range def.Defaults {
		if !isValidIdentifier(d.Name) {
			errs = append(errs, fmt.Sprintf("default %q is not a valid identifier", d.Name))
		}
		if Reserved[d.Name] {
			errs = append(errs, fmt.Sprintf("default %q is a reserved member name", d.Name))
		}
		claim(d.Name, "default")
		if err := validateValue(fmt.Sprintf("default %q", d.Name), d.Value); err != nil {
			errs = append(errs, err.Error())
		}
	}

	for _, group := range []struct {
		kind  string
		calls Calls
	}{{"command", def.Commands}, {"query", def.Queries}} {
		for _, name := range group.calls.Names() {
			call := group.calls[name]
			if !isValidIdentifier(name) {
				errs = append(errs, fmt.Sprintf("%s name %q is not a valid identifier", group.kind, name))
			}
			if Reserved[name] {
				errs = append(errs, fmt.Sprintf("%s %q is a reserved member name", group.kind, name))
			}
			claim(name, group.kind)
			if err := validateCall(group.kind, name, call); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	for _, r := range def.Messages {
		if r.Event == "" {
			errs = append(errs, "message event name is required")
		}
		if r.Topic == "" {
			errs = append(errs, fmt.Sprintf("message %q: topic is required", r.Event))
		}
		if err := validateValue(fmt.Sprintf("message %q accessor", r.Event), r.Accessor); err != nil {
			errs = append(errs, err.Error())
		}
	}

	for _, r := range def.Subscriptions {
		if !isValidIdentifier(r.Handler) {
			errs = append(errs, fmt.Sprintf("subscription handler %q is not a valid identifier", r.Handler))
		}
		if r.Topic == "" {
			errs = append(errs, fmt.Sprintf("subscription %q: topic is required", r.Handler))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// validateCall validates a single call descriptor.
func validateCall(kind, name string, call Call) error {
	if call.Target == "" {
		return fmt.Errorf("%s %q: target is required", kind, name)
	}

	if !verbs[call.Method()] {
		return fmt.Errorf("%s %q: unknown verb %q", kind, name, call.Verb)
	}

	for _, handler := range call.Handlers() {
		if !isValidIdentifier(handler) {
			return fmt.Errorf("%s %q: handler %q is not a valid identifier", kind, name, handler)
		}
	}

	return validateValue(fmt.Sprintf("%s %q payload", kind, name), call.Payload)
}

// validateValue compiles expressions and checks method references.
func validateValue(what string, v any) error {
	switch val := v.(type) {
	case Expr:
		if err := expression.Default().Check(val.Source); err != nil {
			return fmt.Errorf("%s: invalid expression: %v", what, err)
		}
	case MethodRef:
		if !isValidIdentifier(string(val)) {
			return fmt.Errorf("%s: method %q is not a valid identifier", what, string(val))
		}
	}
	return nil
}

// SortByExtends orders definitions so every base precedes the classes
// extending it. Bases outside defs are assumed to exist already.
func SortByExtends(defs []Definition) ([]Definition, error) {
	byName := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if prev, ok := byName[d.Name]; ok {
			return nil, fmt.Errorf("viewmodel %q defined twice (%s, %s)", d.Name, prev.Source, d.Source)
		}
		byName[d.Name] = d
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	var out []Definition

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("extends cycle: %s", strings.Join(append(path, name), " -> "))
		}
		def, ok := byName[name]
		if !ok {
			return nil
		}
		state[name] = visiting
		if def.Extends != "" {
			if err := visit(def.Extends, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		out = append(out, def)
		return nil
	}

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// isValidIdentifier checks if a string is a valid identifier.
func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}

	for i, c := range s {
		if i == 0 {
			if !isLetter(c) && c != '_' {
				return false
			}
		} else {
			if !isLetter(c) && !isDigit(c) && c != '_' {
				return false
			}
		}
	}

	return true
}

// isValidName allows identifiers plus "-" and "." for class names.
func isValidName(s string) bool {
	if s == "" || !isLetter(rune(s[0])) && s[0] != '_' {
		return false
	}
	for _, c := range s {
		if !isLetter(c) && !isDigit(c) && c != '_' && c != '-' && c != '.' {
			return false
		}
	}
	return true
}

func isLetter(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c rune) bool {
	return c >= '0' && c <= '9'
}
