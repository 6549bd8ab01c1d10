// Package registry tracks the view-model classes loaded into a runtime,
// rejects conflicting registrations, and indexes the message routes each
// class claims so publishers can be matched against subscribers.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/artpar/vmkit/core/events"
	"github.com/artpar/vmkit/core/messaging"
	"github.com/artpar/vmkit/core/viewmodel"
)

// Direction tells publishing routes from subscribing ones.
type Direction string

const (
	// Outbound routes publish local events.
	Outbound Direction = "outbound"

	// Inbound routes receive bus messages.
	Inbound Direction = "inbound"
)

// RouteClaim is one message route declared by a class.
type RouteClaim struct {
	Class     string
	Direction Direction

	// Name is the local event (outbound) or handler method (inbound).
	Name string

	// Channel is resolved: an empty route channel becomes the class channel.
	Channel string
	Topic   string
}

// Key returns "channel topic".
func (c RouteClaim) Key() string {
	return c.Channel + " " + c.Topic
}

// Registry holds classes by name.
type Registry struct {
	mu sync.RWMutex

	classes map[string]*viewmodel.Class

	// routes by class name, in declaration order
	routes map[string][]RouteClaim
}

// New creates a new registry.
func New() *Registry {
	return &Registry{
		classes: make(map[string]*viewmodel.Class),
		routes:  make(map[string][]RouteClaim),
	}
}

// Register adds a class. It fails if the class recorded a configuration
// fault or its name is already taken.
func (r *Registry) Register(c *viewmodel.Class) error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("register %s: %w", c.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[c.Name()]; exists {
		return &ConflictError{Conflicts: []Conflict{{Kind: "class", Key: c.Name()}}}
	}

	r.classes[c.Name()] = c
	r.routes[c.Name()] = Routes(c)
	return nil
}

// Replace registers c, dropping any class of the same name first.
func (r *Registry) Replace(c *viewmodel.Class) error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("register %s: %w", c.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.classes[c.Name()] = c
	r.routes[c.Name()] = Routes(c)
	return nil
}

// Unregister removes a class from the registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[name]; !exists {
		return fmt.Errorf("class %q not registered", name)
	}
	delete(r.classes, name)
	delete(r.routes, name)
	return nil
}

// Get returns a registered class by name.
func (r *Registry) Get(name string) (*viewmodel.Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.classes[name]
	return c, ok
}

// List returns all registered classes sorted by name.
func (r *Registry) List() []*viewmodel.Class {
	r.mu.RLock()
	defer r.mu.RUnlock()

	classes := make([]*viewmodel.Class, 0, len(r.classes))
	for _, c := range r.classes {
		classes = append(classes, c)
	}

	sort.Slice(classes, func(i, j int) bool {
		return classes[i].Name() < classes[j].Name()
	})
	return classes
}

// Len returns the number of registered classes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.classes)
}

// Routes returns the route claims of c with channels resolved.
func Routes(c *viewmodel.Class) []RouteClaim {
	def := c.Definition()
	identity := def.Channel()
	if identity == "" {
		identity = messaging.DefaultChannel
	}
	resolve := func(channel string) string {
		if channel == "" {
			return identity
		}
		return channel
	}

	claims := make([]RouteClaim, 0, len(def.Messages)+len(def.Subscriptions))
	for _, m := range def.Messages {
		claims = append(claims, RouteClaim{
			Class:     c.Name(),
			Direction: Outbound,
			Name:      m.Event,
			Channel:   resolve(m.Channel),
			Topic:     m.Topic,
		})
	}
	for _, s := range def.Subscriptions {
		claims = append(claims, RouteClaim{
			Class:     c.Name(),
			Direction: Inbound,
			Name:      s.Handler,
			Channel:   resolve(s.Channel),
			Topic:     s.Topic,
		})
	}
	return claims
}

// Subscribers returns the inbound claims whose topic pattern matches a
// message published on channel/topic, sorted by class then handler.
func (r *Registry) Subscribers(channel, topic string) []RouteClaim {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []RouteClaim
	for _, claims := range r.routes {
		for _, c := range claims {
			if c.Direction == Inbound && c.Channel == channel && events.MatchTopic(c.Topic, topic) {
				out = append(out, c)
			}
		}
	}
	sortClaims(out)
	return out
}

// Publishers returns the outbound claims publishing on channel/topic.
func (r *Registry) Publishers(channel, topic string) []RouteClaim {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []RouteClaim
	for _, claims := range r.routes {
		for _, c := range claims {
			if c.Direction == Outbound && c.Channel == channel && c.Topic == topic {
				out = append(out, c)
			}
		}
	}
	sortClaims(out)
	return out
}

// Unrouted returns outbound claims no registered class subscribes to.
// Messages on those routes may still reach other processes.
func (r *Registry) Unrouted() []RouteClaim {
	r.mu.RLock()
	var outbound []RouteClaim
	for _, claims := range r.routes {
		for _, c := range claims {
			if c.Direction == Outbound {
				outbound = append(outbound, c)
			}
		}
	}
	r.mu.RUnlock()

	var out []RouteClaim
	for _, c := range outbound {
		if len(r.Subscribers(c.Channel, c.Topic)) == 0 {
			out = append(out, c)
		}
	}
	sortClaims(out)
	return out
}

func sortClaims(claims []RouteClaim) {
	sort.Slice(claims, func(i, j int) bool {
		if claims[i].Class != claims[j].Class {
			return claims[i].Class < claims[j].Class
		}
		if claims[i].Name != claims[j].Name {
			return claims[i].Name < claims[j].Name
		}
		return claims[i].Key() < claims[j].Key()
	})
}

// Conflict is a name claimed twice.
type Conflict struct {
	Kind string
	Key  string
}

// ConflictError represents one or more registration conflicts.
type ConflictError struct {
	Conflicts []Conflict
}

// Error returns the conflict error message.
func (e *ConflictError) Error() string {
	var msgs []string
	for _, c := range e.Conflicts {
		msgs = append(msgs, fmt.Sprintf("%s %q already registered", c.Kind, c.Key))
	}
	return fmt.Sprintf("registration conflicts detected:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasConflicts returns true if there are any conflicts.
func (e *ConflictError) HasConflicts() bool {
	return len(e.Conflicts) > 0
}
