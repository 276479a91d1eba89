// Package server is the node side of fleet: it receives requests, checks
// that they are meant for this node and hands them to the local agents.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/aixgo-dev/fleet/agent"
	"github.com/aixgo-dev/fleet/internal/observability"
	metrics "github.com/aixgo-dev/fleet/pkg/observability"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OutcomeKind classifies how a handler invocation ended.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeTimeout
	OutcomeFault
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "fault"
	}
}

// Outcome is the typed result of one handler invocation. Only OutcomeOK
// outcomes with a non empty Reply are answered.
type Outcome struct {
	Kind     OutcomeKind
	Reply    json.RawMessage
	Err      error
	Location string
	Duration time.Duration
}

// PanicError wraps a value recovered from a handler panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// ReplyFunc publishes a handler reply.
type ReplyFunc func(ctx context.Context, body json.RawMessage)

// Dispatcher runs agent handlers, one goroutine per request.
type Dispatcher struct {
	registry *agent.Registry
	limiter  *AgentRateLimiter
	logger   logrus.FieldLogger

	wg sync.WaitGroup
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(l logrus.FieldLogger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRateLimiter drops requests for agents that exceed their rate.
func WithRateLimiter(l *AgentRateLimiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = l }
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *agent.Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch starts handling req in the background and reports whether it
// was accepted. Requests for unknown agents or over their rate limit are
// dropped with a warning.
func (d *Dispatcher) Dispatch(ctx context.Context, req *agent.Request, reply ReplyFunc) bool {
	logger := d.logger.WithFields(logrus.Fields{
		"agent":      req.Agent,
		"request_id": req.RequestID,
	})

	a, err := d.registry.Get(req.Agent)
	if err != nil {
		logger.WithError(err).Warn("No handler for agent, dropping request")
		metrics.RecordAgentDispatch(req.Agent, "dropped", 0)
		return false
	}

	if d.limiter != nil && !d.limiter.Allow(req.Agent) {
		logger.Warn("Agent rate limit exceeded, dropping request")
		metrics.RecordAgentDispatch(req.Agent, "rate_limited", 0)
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		out := d.Invoke(ctx, a, req)
		metrics.RecordAgentDispatch(req.Agent, out.Kind.String(), out.Duration)

		switch out.Kind {
		case OutcomeOK:
			if len(out.Reply) > 0 && reply != nil {
				reply(ctx, out.Reply)
			}
		case OutcomeTimeout:
			logger.WithField("duration", out.Duration).Info("Handler timed out, no reply sent")
		default:
			logger.WithError(out.Err).WithField("location", out.Location).Error("Handler failed, no reply sent")
		}
	}()
	return true
}

// Invoke runs one handler under the agent's timeout and converts every
// way it can end into an Outcome. It never panics.
func (d *Dispatcher) Invoke(ctx context.Context, a agent.Agent, req *agent.Request) Outcome {
	meta := a.Metadata()

	ctx, span := observability.StartSpanWithOtel(ctx, "server.dispatch",
		trace.WithAttributes(
			attribute.String("fleet.agent", meta.Name),
			attribute.String("fleet.request_id", req.RequestID),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, meta.TimeoutOrDefault())
	defer cancel()

	start := time.Now()
	done := make(chan Outcome, 1)

	go func() {
		var out Outcome
		func() { // panic safety
			defer func() {
				if r := recover(); r != nil {
					out = Outcome{Kind: OutcomeFault, Err: &PanicError{Value: r}, Location: panicLocation()}
				}
			}()
			body, err := a.Handle(ctx, req)
			switch {
			case err == nil:
				out = Outcome{Kind: OutcomeOK, Reply: body}
			case errors.Is(err, context.DeadlineExceeded):
				out = Outcome{Kind: OutcomeTimeout, Err: err}
			default:
				out = Outcome{Kind: OutcomeFault, Err: err, Location: fmt.Sprintf("%s#Handle", meta.Name)}
			}
		}()
		done <- out
	}()

	var out Outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = Outcome{Kind: OutcomeTimeout, Err: ctx.Err()}
	}
	out.Duration = time.Since(start)

	span.SetAttributes(attribute.String("fleet.outcome", out.Kind.String()))
	if out.Err != nil {
		span.RecordError(out.Err)
	}
	return out
}

// Wait blocks until every dispatched handler has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// panicLocation returns the file and line that panicked. It must be
// called from the deferred recover.
func panicLocation() string {
	pcs := make([]uintptr, 16)
	// skip runtime.Callers, panicLocation and the deferred func
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, "runtime.") {
			return fmt.Sprintf("%s:%d", frame.File, frame.Line)
		}
		if !more {
			return "unknown"
		}
	}
}
