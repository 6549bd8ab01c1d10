package schema

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseRoute splits a "channel topic" route.
// A single token is a topic with an empty channel.
func ParseRoute(route string) (channel, topic string, err error) {
	parts := strings.Fields(route)
	switch len(parts) {
	case 1:
		return "", parts[0], nil
	case 2:
		return parts[0], parts[1], nil
	case 0:
		return "", "", fmt.Errorf("route is empty")
	default:
		return "", "", fmt.Errorf("route %q: expected \"channel topic\"", route)
	}
}

// FormatRoute is the inverse of ParseRoute.
func FormatRoute(channel, topic string) string {
	if channel == "" {
		return topic
	}
	return channel + " " + topic
}

// OutboundRoute publishes a local event on channel/topic.
type OutboundRoute struct {
	Event   string
	Channel string
	Topic   string

	// Accessor computes the payload from the event arguments.
	// Nil publishes the first argument; otherwise a method name, MethodRef,
	// Expr or Go function understood by the view-model package.
	Accessor any
}

// Route returns the "channel topic" form.
func (r OutboundRoute) Route() string {
	return FormatRoute(r.Channel, r.Topic)
}

// Messages lists outbound routes in declaration order.
type Messages []OutboundRoute

// Clone returns a copy.
func (m Messages) Clone() Messages {
	if m == nil {
		return nil
	}
	out := make(Messages, len(m))
	for i, r := range m {
		r.Accessor = CloneValue(r.Accessor)
		out[i] = r
	}
	return out
}

// UnmarshalYAML decodes
//
//	event: "channel topic"
//	event: { "channel topic": accessor, ... }
func (m *Messages) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: messages must be a mapping", node.Line)
	}

	var out Messages
	for i := 0; i+1 < len(node.Content); i += 2 {
		event, val := node.Content[i].Value, node.Content[i+1]

		switch val.Kind {
		case yaml.ScalarNode:
			r, err := outbound(event, val.Value, nil)
			if err != nil {
				return err
			}
			out = append(out, r)

		case yaml.MappingNode:
			for j := 0; j+1 < len(val.Content); j += 2 {
				var accessor any
				if acc := val.Content[j+1]; acc.ShortTag() != "!!null" {
					v, err := DecodeValue(acc)
					if err != nil {
						return fmt.Errorf("message %q: accessor: %w", event, err)
					}
					accessor = v
				}
				r, err := outbound(event, val.Content[j].Value, accessor)
				if err != nil {
					return err
				}
				out = append(out, r)
			}

		default:
			return fmt.Errorf("line %d: message %q must be a route or a mapping of routes", val.Line, event)
		}
	}

	*m = out
	return nil
}

// MarshalYAML groups routes by event.
func (m Messages) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	index := make(map[string]*yaml.Node)

	for _, r := range m {
		routes, ok := index[r.Event]
		if !ok {
			routes = &yaml.Node{Kind: yaml.MappingNode}
			index[r.Event] = routes
			node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: r.Event}, routes)
		}
		var acc yaml.Node
		if err := acc.Encode(r.Accessor); err != nil {
			return nil, fmt.Errorf("message %q: %w", r.Event, err)
		}
		routes.Content = append(routes.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: r.Route()}, &acc)
	}
	return node, nil
}

func outbound(event, route string, accessor any) (OutboundRoute, error) {
	channel, topic, err := ParseRoute(route)
	if err != nil {
		return OutboundRoute{}, fmt.Errorf("message %q: %w", event, err)
	}
	return OutboundRoute{Event: event, Channel: channel, Topic: topic, Accessor: accessor}, nil
}

// InboundRoute subscribes the named handler method to channel/topic.
type InboundRoute struct {
	Handler string
	Channel string
	Topic   string
}

// Route returns the "channel topic" form.
func (r InboundRoute) Route() string {
	return FormatRoute(r.Channel, r.Topic)
}

// Subscriptions lists inbound routes in declaration order.
type Subscriptions []InboundRoute

// Clone returns a copy.
func (s Subscriptions) Clone() Subscriptions {
	if s == nil {
		return nil
	}
	out := make(Subscriptions, len(s))
	copy(out, s)
	return out
}

// UnmarshalYAML decodes
//
//	handler: "channel topic"
//	handler: ["channel topic", topic]
func (s *Subscriptions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: subscriptions must be a mapping", node.Line)
	}

	var out Subscriptions
	for i := 0; i+1 < len(node.Content); i += 2 {
		handler, val := node.Content[i].Value, node.Content[i+1]

		var routes []string
		switch val.Kind {
		case yaml.ScalarNode:
			routes = []string{val.Value}
		case yaml.SequenceNode:
			if err := val.Decode(&routes); err != nil {
				return fmt.Errorf("subscription %q: %w", handler, err)
			}
		default:
			return fmt.Errorf("line %d: subscription %q must be a route or a list of routes", val.Line, handler)
		}

		for _, route := range routes {
			channel, topic, err := ParseRoute(route)
			if err != nil {
				return fmt.Errorf("subscription %q: %w", handler, err)
			}
			out = append(out, InboundRoute{Handler: handler, Channel: channel, Topic: topic})
		}
	}

	*s = out
	return nil
}

// MarshalYAML groups routes by handler.
func (s Subscriptions) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	index := make(map[string]*yaml.Node)

	for _, r := range s {
		routes, ok := index[r.Handler]
		if !ok {
			routes = &yaml.Node{Kind: yaml.SequenceNode}
			index[r.Handler] = routes
			node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: r.Handler}, routes)
		}
		routes.Content = append(routes.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: r.Route()})
	}
	return node, nil
}
