// Package discovery turns a filter into a concrete, timeout bounded list of
// node identities using pluggable discovery methods.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/aixgo-dev/fleet/internal/filter"
	"github.com/aixgo-dev/fleet/internal/observability"
	metrics "github.com/aixgo-dev/fleet/pkg/observability"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMethod is the broadcast discovery method. It is the only method
// that can evaluate compound filters and the only one usable without
// direct addressing.
const DefaultMethod = "mc"

var (
	// ErrUnknownMethod is returned when the selected method is not registered
	ErrUnknownMethod = errors.New("unknown discovery method")

	// ErrDirectAddressingRequired is returned when a non-default method is
	// selected while direct addressing is disabled
	ErrDirectAddressingRequired = errors.New("custom discovery methods require direct addressing mode")

	// ErrMethodAlreadyRegistered is returned on duplicate registration
	ErrMethodAlreadyRegistered = errors.New("discovery method already registered")
)

// Capability is a filter category a method can honor.
type Capability string

const (
	Classes  Capability = "classes"
	Facts    Capability = "facts"
	Identity Capability = "identity"
	Compound Capability = "compound"
	Agents   Capability = "agents"
)

// Descriptor is the interface description of a discovery method.
type Descriptor struct {
	Name         string
	Description  string
	Timeout      time.Duration
	Capabilities []Capability
}

// Has reports whether the method declares c
func (d Descriptor) Has(c Capability) bool {
	return slices.Contains(d.Capabilities, c)
}

// Request carries everything a method needs for one discovery run.
type Request struct {
	Filter     *filter.Filter
	Timeout    time.Duration
	Limit      int
	Collective string
	// Options are the free-form discovery options given by the caller
	Options []string
}

// Method is a discovery strategy. Discover must return within
// req.Timeout.
type Method interface {
	Descriptor() Descriptor
	Discover(ctx context.Context, req Request) ([]string, error)
}

// CapabilityError is returned when the filter uses a category the active
// method cannot honor.
type CapabilityError struct {
	Method   string
	Category string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("cannot use %s filters while using the '%s' discovery method", e.Category, e.Method)
}

// Registry holds the known discovery methods.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Method)}
}

// Register adds a method under its descriptor name
func (r *Registry) Register(m Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Descriptor().Name
	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("%w: %s", ErrMethodAlreadyRegistered, name)
	}
	r.methods[name] = m
	return nil
}

func (r *Registry) Get(name string) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Names returns the registered method names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TimeoutFunc returns the declared timeout of a data plugin
type TimeoutFunc func(name string) (time.Duration, bool)

// Config holds engine settings taken from the client configuration.
type Config struct {
	DefaultMethod    string
	DirectAddressing bool
	Collective       string
	// DataTimeout resolves the timeout of data plugins referenced by
	// compound filters
	DataTimeout TimeoutFunc
	Logger      logrus.FieldLogger
}

// Engine selects a discovery method and runs it under the capability and
// timeout rules.
type Engine struct {
	registry *Registry
	cfg      Config

	mu       sync.Mutex
	override string
	options  []string
	ddl      *Descriptor
}

// NewEngine creates an engine over registry
func NewEngine(registry *Registry, cfg Config) *Engine {
	if cfg.DefaultMethod == "" {
		cfg.DefaultMethod = DefaultMethod
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Engine{registry: registry, cfg: cfg}
}

// SetMethod overrides the configured method for subsequent calls. An
// empty name reverts to the configured default.
func (e *Engine) SetMethod(name string, options ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.override = name
	e.options = options
}

// Options returns the discovery options of the current selection
func (e *Engine) Options() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.options)
}

func (e *Engine) selected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.override != "" {
		return e.override
	}
	return e.cfg.DefaultMethod
}

// ResolveMethod returns the active method name.
func (e *Engine) ResolveMethod() (string, error) {
	name := e.selected()
	if _, ok := e.registry.Get(name); !ok {
		return "", fmt.Errorf("%w %s", ErrUnknownMethod, name)
	}
	if name != DefaultMethod && !e.cfg.DirectAddressing {
		return "", ErrDirectAddressingRequired
	}
	return name, nil
}

// DDL returns the descriptor of the active method, reloading the cached
// copy when the selection changed since the last call.
func (e *Engine) DDL() (Descriptor, error) {
	name, err := e.ResolveMethod()
	if err != nil {
		return Descriptor{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ddl == nil || e.ddl.Name != name {
		m, _ := e.registry.Get(name)
		d := m.Descriptor()
		e.ddl = &d
	}
	return *e.ddl, nil
}

// EnforceCapabilities fails when f uses a category the active method does
// not declare. Agent filters are always allowed.
func (e *Engine) EnforceCapabilities(f *filter.Filter) error {
	ddl, err := e.DDL()
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}

	checks := []struct {
		capability Capability
		category   string
		used       bool
	}{
		{Classes, "class", len(f.Class) > 0},
		{Facts, "fact", len(f.Fact) > 0},
		{Identity, "identity", len(f.Identity) > 0},
		{Compound, "compound", len(f.Compound) > 0},
	}
	for _, c := range checks {
		if c.used && !ddl.Has(c.capability) {
			return &CapabilityError{Method: ddl.Name, Category: c.category}
		}
	}
	return nil
}

// MaybeForceDefault switches to the default method when f has compound
// predicates and the active method is something else. It reports whether
// a switch happened.
func (e *Engine) MaybeForceDefault(f *filter.Filter) bool {
	if f == nil || len(f.Compound) == 0 {
		return false
	}
	current := e.selected()
	if current == DefaultMethod {
		return false
	}
	if _, ok := e.registry.Get(DefaultMethod); !ok {
		return false
	}

	e.cfg.Logger.WithField("method", current).
		Info("switching to mc discovery method because compound filters are used")
	e.SetMethod(DefaultMethod)
	return true
}

// TimeoutForCompound sums the declared timeouts of every data plugin
// referenced by the compound predicates of f.
func (e *Engine) TimeoutForCompound(f *filter.Filter) time.Duration {
	if e.cfg.DataTimeout == nil {
		return 0
	}
	var total time.Duration
	for _, fn := range f.Functions() {
		if t, ok := e.cfg.DataTimeout(fn.Name); ok {
			total += t
		}
	}
	return total
}

// EffectiveTimeout is explicit when positive, else the method default,
// plus the compound data plugin allowance.
func (e *Engine) EffectiveTimeout(explicit time.Duration, f *filter.Filter) (time.Duration, error) {
	timeout := explicit
	if timeout <= 0 {
		ddl, err := e.DDL()
		if err != nil {
			return 0, err
		}
		timeout = ddl.Timeout
	}
	return timeout + e.TimeoutForCompound(f), nil
}

// Discover resolves the method, forces the default one for compound
// filters, checks capabilities and runs the method. A positive limit
// truncates the result.
func (e *Engine) Discover(ctx context.Context, f *filter.Filter, timeout time.Duration, limit int) ([]string, error) {
	if _, err := e.ResolveMethod(); err != nil {
		return nil, err
	}
	e.MaybeForceDefault(f)
	if err := e.EnforceCapabilities(f); err != nil {
		return nil, err
	}

	ddl, err := e.DDL()
	if err != nil {
		return nil, err
	}
	effective, err := e.EffectiveTimeout(timeout, f)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpanWithOtel(ctx, "discovery.discover",
		trace.WithAttributes(
			attribute.String("discovery.method", ddl.Name),
			attribute.Int64("discovery.timeout_ms", effective.Milliseconds()),
			attribute.Int("discovery.limit", limit),
		),
	)
	defer span.End()

	m, _ := e.registry.Get(ddl.Name)
	start := time.Now()

	// Methods bound themselves by the timeout they are handed. A timeout
	// truncates the result, it is not an error.
	nodes, err := m.Discover(ctx, Request{
		Filter:     f,
		Timeout:    effective,
		Limit:      limit,
		Collective: e.cfg.Collective,
		Options:    e.Options(),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s discovery: %w", ddl.Name, err)
	}

	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}

	metrics.RecordDiscovery(ddl.Name, len(nodes), time.Since(start))
	span.SetAttributes(attribute.Int("discovery.nodes", len(nodes)))
	e.cfg.Logger.WithFields(logrus.Fields{
		"method": ddl.Name,
		"nodes":  len(nodes),
	}).Debug("discovery complete")

	return nodes, nil
}
