// Package inventory keeps the last known registration of every node so that
// discovery can be answered without a network round trip.
package inventory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/aixgo-dev/fleet/internal/filter"
)

// Common errors for inventory operations.
var (
	// ErrNodeNotFound is returned when a node has no live registration.
	ErrNodeNotFound = errors.New("node not registered")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("inventory store is closed")
)

// Registration is what a node publishes about itself.
type Registration struct {
	Identity    string         `json:"identity"`
	Collectives []string       `json:"collectives"`
	Agents      []string       `json:"agents"`
	Classes     []string       `json:"classes"`
	Facts       map[string]any `json:"facts"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Store abstracts registration persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save creates or refreshes a registration.
	Save(ctx context.Context, reg *Registration) error

	// Get returns ErrNodeNotFound if the node never registered or expired.
	Get(ctx context.Context, identity string) (*Registration, error)

	// List returns live registrations sorted by identity.
	List(ctx context.Context) ([]*Registration, error)

	Delete(ctx context.Context, identity string) error

	Close() error
}

// Node adapts a registration to the filter predicates.
type Node struct {
	*Registration
}

func (n Node) HasFact(fact, operator, value string) bool {
	v, ok := n.Facts[fact]
	if !ok {
		return false
	}
	return filter.MatchFact(v, operator, value)
}

func (n Node) HasClass(class string) bool { return matchAny(n.Classes, class) }

func (n Node) HasAgent(agent string) bool { return matchAny(n.Agents, agent) }

func (n Node) HasIdentity(identity string) bool {
	if filter.IsRegex(identity) {
		return filter.MatchRegex(identity, n.Identity)
	}
	return identity == n.Identity
}

func matchAny(values []string, want string) bool {
	if filter.IsRegex(want) {
		return slices.ContainsFunc(values, func(v string) bool { return filter.MatchRegex(want, v) })
	}
	return slices.Contains(values, want)
}

// MemoryStore is an in-process Store with the same expiry semantics as the
// Redis store.
type MemoryStore struct {
	mu     sync.RWMutex
	nodes  map[string]*Registration
	ttl    time.Duration
	now    func() time.Time
	closed bool
}

// NewMemoryStore creates a store whose entries expire ttl after their last
// save. A zero ttl never expires.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{nodes: make(map[string]*Registration), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Save(_ context.Context, reg *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	c := *reg
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	s.nodes[reg.Identity] = &c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, identity string) (*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	reg, ok := s.nodes[identity]
	if !ok || s.expired(reg) {
		return nil, ErrNodeNotFound
	}
	c := *reg
	return &c, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*Registration, 0, len(s.nodes))
	for _, reg := range s.nodes {
		if s.expired(reg) {
			continue
		}
		c := *reg
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.nodes, identity)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) expired(reg *Registration) bool {
	return s.ttl > 0 && s.now().Sub(reg.UpdatedAt) > s.ttl
}
