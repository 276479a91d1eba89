// Package data provides the data-plugin registry consulted by compound
// filter function statements such as fstat("/etc/hosts").size>0.
package data

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrPluginNotFound is returned when a function name has no registered plugin
	ErrPluginNotFound = errors.New("data plugin not found")

	// ErrPluginAlreadyRegistered is returned when registering a duplicate plugin name
	ErrPluginAlreadyRegistered = errors.New("data plugin already registered")

	// ErrLookupTimeout is returned when a plugin does not answer within its declared timeout
	ErrLookupTimeout = errors.New("data plugin lookup timed out")

	// ErrInvalidQuery is returned when a plugin rejects its query argument
	ErrInvalidQuery = errors.New("invalid data query")
)

// DefaultTimeout is used for plugins that do not declare a timeout.
const DefaultTimeout = time.Second

// Descriptor declares the contract of a data plugin.
type Descriptor struct {
	Name        string
	Description string
	// Timeout bounds a single lookup and is added to the discovery budget
	// whenever a compound filter references this plugin.
	Timeout time.Duration
	// Outputs lists the result fields, used to pre-populate defaults.
	Outputs map[string]any
	// QueryRequired rejects empty queries before the plugin is invoked.
	QueryRequired bool
}

// Plugin answers a data query for one function name.
type Plugin interface {
	Descriptor() Descriptor
	Query(ctx context.Context, query string, result *Result) error
}

// Activatable lets a plugin opt out of registration on nodes where it
// cannot work, for example when a backing file is missing.
type Activatable interface {
	Activate() bool
}

// Registry maps function names to data plugins.
type Registry struct {
	plugins map[string]Plugin
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin. Plugins implementing Activatable that report
// false are skipped and Register returns false.
func (r *Registry) Register(p Plugin) (bool, error) {
	if a, ok := p.(Activatable); ok && !a.Activate() {
		return false, nil
	}

	name := p.Descriptor().Name
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[name]; exists {
		return false, fmt.Errorf("%w: %s", ErrPluginAlreadyRegistered, name)
	}
	r.plugins[name] = p
	return true, nil
}

// Get returns the plugin registered under name
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns the sorted registered plugin names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Timeout returns the declared timeout of the named plugin.
func (r *Registry) Timeout(name string) (time.Duration, bool) {
	p, ok := r.Get(name)
	if !ok {
		return 0, false
	}
	return timeoutOf(p.Descriptor()), true
}

// Lookup runs the named plugin against query under its declared timeout.
func (r *Registry) Lookup(ctx context.Context, name, query string) (*Result, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}

	desc := p.Descriptor()
	if desc.QueryRequired && query == "" {
		return nil, fmt.Errorf("%w: %s requires a query", ErrInvalidQuery, name)
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOf(desc))
	defer cancel()

	result := NewResult(desc.Outputs)
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("data plugin %s panicked: %v", name, rec)
			}
		}()
		done <- p.Query(ctx, query, result)
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("data plugin %s: %w", name, err)
		}
		return result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s after %s", ErrLookupTimeout, name, timeoutOf(desc))
	}
}

func timeoutOf(d Descriptor) time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Timeout
}
