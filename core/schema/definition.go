package schema

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is a declarative view-model class.
type Definition struct {
	// Name is the class name (also its String()).
	Name string `yaml:"viewmodel"`

	// Extends names the base class. Empty means the base view-model.
	Extends string `yaml:"extends,omitempty"`

	// Description is free-form documentation.
	Description string `yaml:"description,omitempty"`

	// ChannelName is the default channel identity.
	ChannelName string `yaml:"channel,omitempty"`

	// Namespace overrides ChannelName when set.
	Namespace string `yaml:"namespace,omitempty"`

	// TemplatePath is handed to the binding engine.
	TemplatePath string `yaml:"template_path,omitempty"`

	Defaults      Defaults      `yaml:"defaults,omitempty"`
	Commands      Calls         `yaml:"commands,omitempty"`
	Queries       Calls         `yaml:"queries,omitempty"`
	Messages      Messages      `yaml:"messages,omitempty"`
	Subscriptions Subscriptions `yaml:"subscriptions,omitempty"`

	// Source is the file the definition was read from, if any.
	Source string `yaml:"-"`
}

// Channel returns the channel identity: Namespace, else ChannelName.
func (d Definition) Channel() string {
	if d.Namespace != "" {
		return d.Namespace
	}
	return d.ChannelName
}

// Clone returns a deep copy sharing no mutable state with d.
func (d Definition) Clone() Definition {
	out := d
	out.Defaults = d.Defaults.Clone()
	out.Commands = d.Commands.Clone()
	out.Queries = d.Queries.Clone()
	out.Messages = d.Messages.Clone()
	out.Subscriptions = d.Subscriptions.Clone()
	return out
}

// Overlay returns a copy of d with every non-empty section of child
// shadowing d's section. Name and Extends always come from child.
func (d Definition) Overlay(child Definition) Definition {
	out := d.Clone()
	out.Name = child.Name
	out.Extends = child.Extends
	out.Source = child.Source

	if child.Description != "" {
		out.Description = child.Description
	}
	if child.ChannelName != "" {
		out.ChannelName = child.ChannelName
	}
	if child.Namespace != "" {
		out.Namespace = child.Namespace
	}
	if child.TemplatePath != "" {
		out.TemplatePath = child.TemplatePath
	}
	if len(child.Defaults) > 0 {
		out.Defaults = child.Defaults.Clone()
	}
	if len(child.Commands) > 0 {
		out.Commands = child.Commands.Clone()
	}
	if len(child.Queries) > 0 {
		out.Queries = child.Queries.Clone()
	}
	if len(child.Messages) > 0 {
		out.Messages = child.Messages.Clone()
	}
	if len(child.Subscriptions) > 0 {
		out.Subscriptions = child.Subscriptions.Clone()
	}
	return out
}

// Call describes one remote call.
type Call struct {
	// Target is the URL.
	Target string `yaml:"target"`

	// Verb is the HTTP method; empty means "get".
	Verb string `yaml:"verb,omitempty"`

	// Payload is absent, a literal, a method name (string or MethodRef),
	// an Expr, or a Go function understood by the view-model package.
	Payload any `yaml:"payload,omitempty"`

	// ContentType; empty means "application/json; charset=utf-8".
	ContentType string `yaml:"content_type,omitempty"`

	// Completion handlers name instance methods.
	OnSuccess string `yaml:"on_success,omitempty"`
	OnFailure string `yaml:"on_failure,omitempty"`
	OnSettle  string `yaml:"on_settle,omitempty"`
}

// UnmarshalYAML accepts a bare target string or the full mapping.
func (c *Call) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*c = Call{Target: node.Value}
		return nil
	}

	var raw struct {
		Target      string    `yaml:"target"`
		Verb        string    `yaml:"verb"`
		Payload     yaml.Node `yaml:"payload"`
		ContentType string    `yaml:"content_type"`
		OnSuccess   string    `yaml:"on_success"`
		OnFailure   string    `yaml:"on_failure"`
		OnSettle    string    `yaml:"on_settle"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	*c = Call{
		Target:      raw.Target,
		Verb:        raw.Verb,
		ContentType: raw.ContentType,
		OnSuccess:   raw.OnSuccess,
		OnFailure:   raw.OnFailure,
		OnSettle:    raw.OnSettle,
	}
	if raw.Payload.Kind != 0 {
		payload, err := DecodeValue(&raw.Payload)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		c.Payload = payload
	}
	return nil
}

// Method returns the upper-cased verb, defaulting to GET.
func (c Call) Method() string {
	if c.Verb == "" {
		return "GET"
	}
	return strings.ToUpper(c.Verb)
}

// Handlers returns the declared completion handler names.
func (c Call) Handlers() []string {
	var names []string
	for _, name := range []string{c.OnSuccess, c.OnFailure, c.OnSettle} {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Calls maps declaration names to calls.
type Calls map[string]Call

// Names returns the call names sorted.
func (c Calls) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (c Calls) Clone() Calls {
	if c == nil {
		return nil
	}
	out := make(Calls, len(c))
	for name, call := range c {
		call.Payload = CloneValue(call.Payload)
		out[name] = call
	}
	return out
}
