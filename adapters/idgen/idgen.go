// Package idgen provides instance and envelope ID generators.
package idgen

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/artpar/vmkit/ports"
	"github.com/google/uuid"
)

// UUID generates random UUIDs.
type UUID struct{}

// New generates a new UUID v4.
func (UUID) New() string {
	return uuid.NewString()
}

// Short generates the first 12 hex digits of a random UUID.
// Collisions are possible but rare enough for per-process instance IDs.
type Short struct{}

// New generates a short random ID.
func (Short) New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Prefixed prepends a fixed prefix to IDs from another generator.
type Prefixed struct {
	Prefix string
	Next   ports.IDGenerator
}

// New generates the next prefixed ID.
func (p Prefixed) New() string {
	next := p.Next
	if next == nil {
		next = UUID{}
	}
	return p.Prefix + next.New()
}

// Sequential generates sequential IDs (for testing).
type Sequential struct {
	prefix  string
	counter uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New generates the next sequential ID.
func (s *Sequential) New() string {
	n := atomic.AddUint64(&s.counter, 1)
	return s.prefix + strconv.FormatUint(n, 10)
}

// Reset resets the counter.
func (s *Sequential) Reset() {
	atomic.StoreUint64(&s.counter, 0)
}

// Ensure interface compliance.
var (
	_ ports.IDGenerator = UUID{}
	_ ports.IDGenerator = Short{}
	_ ports.IDGenerator = Prefixed{}
	_ ports.IDGenerator = (*Sequential)(nil)
)
