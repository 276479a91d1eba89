package agent

import (
	"fmt"
	"sync"

	"github.com/aixgo-dev/fleet/internal/data"
)

// Definition describes how a Registry obtains agent instances.
type Definition struct {
	Factory Factory

	// SingleInstance reuses one instance for every request instead of
	// creating one per request.
	SingleInstance bool
}

type entry struct {
	def      Definition
	meta     Metadata
	instance Agent
}

// Registry holds the agents loaded on a node.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // Registration order for deterministic subscriptions
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		order:   make([]string, 0),
	}
}

// Register instantiates the agent once to read its metadata and
// activation state. It reports false without error when the agent
// declined to activate.
func (r *Registry) Register(def Definition) (bool, error) {
	if def.Factory == nil {
		return false, fmt.Errorf("agent definition has no factory")
	}
	a, err := def.Factory()
	if err != nil {
		return false, fmt.Errorf("create agent: %w", err)
	}
	if act, ok := a.(Activatable); ok && !act.Activate() {
		return false, nil
	}

	meta := a.Metadata()
	if meta.Name == "" {
		return false, fmt.Errorf("agent metadata has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[meta.Name]; exists {
		return false, fmt.Errorf("agent %s already registered", meta.Name)
	}

	e := &entry{def: def, meta: meta}
	if def.SingleInstance {
		e.instance = a
	}
	r.entries[meta.Name] = e
	r.order = append(r.order, meta.Name)
	return true, nil
}

// RegisterAgent registers an existing instance as single instance.
func (r *Registry) RegisterAgent(a Agent) (bool, error) {
	return r.Register(Definition{
		Factory:        func() (Agent, error) { return a, nil },
		SingleInstance: true,
	})
}

// Unregister removes an agent from the registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		return fmt.Errorf("agent %s not found", name)
	}
	delete(r.entries, name)

	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the instance that should serve the next request for name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	e, exists := r.entries[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("agent %s not found", name)
	}
	if e.instance != nil {
		return e.instance, nil
	}
	a, err := e.def.Factory()
	if err != nil {
		return nil, fmt.Errorf("create agent %s: %w", name, err)
	}
	return a, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Metadata returns the descriptor captured at registration.
func (r *Registry) Metadata(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Metadata{}, false
	}
	return e.meta, true
}

// Names returns all registered agent names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// AgentInfo exposes registered agents to the agent data plugin.
func (r *Registry) AgentInfo(name string) (data.AgentInfo, bool) {
	meta, ok := r.Metadata(name)
	if !ok {
		return data.AgentInfo{}, false
	}
	return data.AgentInfo{
		Name:        meta.Name,
		Description: meta.Description,
		Version:     meta.Version,
		Timeout:     meta.TimeoutOrDefault(),
	}, true
}
