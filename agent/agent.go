package agent

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultTimeout bounds a handler that does not declare its own timeout.
const DefaultTimeout = 10 * time.Second

// Agent is the interface that all node agents must implement.
// External packages implement this interface to add actions to a node.
//
// An agent answers every request addressed to its name. The dispatcher
// runs Handle in its own goroutine under the timeout from Metadata, so
// implementations must be safe for concurrent use unless registered as
// single instance with a factory that returns fresh state per request.
type Agent interface {
	// Metadata describes the agent.
	// Names must be unique within a Registry.
	Metadata() Metadata

	// Handle processes one request and returns the reply body.
	// A nil reply means nothing is sent back to the caller.
	// The context is canceled when the agent timeout elapses.
	Handle(ctx context.Context, req *Request) (json.RawMessage, error)
}

// Metadata is the interface descriptor of an agent.
type Metadata struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	Author      string        `json:"author,omitempty" yaml:"author,omitempty"`
	Version     string        `json:"version" yaml:"version"`
	License     string        `json:"license,omitempty" yaml:"license,omitempty"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
}

// TimeoutOrDefault returns the declared timeout, or DefaultTimeout when
// none was declared.
func (m Metadata) TimeoutOrDefault() time.Duration {
	if m.Timeout <= 0 {
		return DefaultTimeout
	}
	return m.Timeout
}

// Activatable lets an agent decline to load on a node, for example when
// a tool it wraps is not installed. Agents that do not implement it are
// always active.
type Activatable interface {
	Activate() bool
}

// Factory creates an agent instance.
type Factory func() (Agent, error)
