package viewmodel

import (
	"time"

	"github.com/artpar/vmkit/core/events"
	"github.com/artpar/vmkit/core/expression"
	"github.com/artpar/vmkit/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Observer is notified about instance lifecycle and call outcomes.
type Observer interface {
	InstanceCreated(class string)
	InstanceClosed(class string)
	CallSettled(class, kind, method string, ok bool, elapsed time.Duration)
	MessagingConfigured(class string, subscriptions int)
}

// Env carries the shared services an instance references but never owns.
type Env struct {
	// Bus defaults to the process-wide in-process bus.
	Bus ports.Bus

	// Transport performs remote calls. Without one, Execute returns an
	// already rejected call.
	Transport ports.Transport

	// Binder renders instances. Without one, Bind fails.
	Binder ports.Binder

	Logger zerolog.Logger

	// IDs generates instance IDs; defaults to random UUIDs.
	IDs ports.IDGenerator

	// Expressions evaluates !expr values; defaults to the shared engine.
	Expressions *expression.Engine

	// Observer is optional.
	Observer Observer
}

func (e Env) withDefaults() Env {
	if e.Bus == nil {
		e.Bus = events.Default()
	}
	if e.IDs == nil {
		e.IDs = uuidGenerator{}
	}
	if e.Expressions == nil {
		e.Expressions = expression.Default()
	}
	return e
}

type uuidGenerator struct{}

func (uuidGenerator) New() string {
	return uuid.NewString()
}
