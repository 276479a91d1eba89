package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/aixgo-dev/fleet/agent"
	"github.com/aixgo-dev/fleet/internal/filter"
	"github.com/aixgo-dev/fleet/internal/message"
	"github.com/aixgo-dev/fleet/internal/security"
	"github.com/aixgo-dev/fleet/internal/transport"
	metrics "github.com/aixgo-dev/fleet/pkg/observability"
	"github.com/sirupsen/logrus"
)

// RunnerConfig holds the node settings the runner needs.
type RunnerConfig struct {
	Identity    string
	Collectives []string
	Logger      logrus.FieldLogger

	// Now is used for TTL checks. Defaults to time.Now.
	Now func() time.Time
}

// RunnerStats counts what the node did with the messages it received.
type RunnerStats struct {
	Total       uint64 `json:"total"`
	Validated   uint64 `json:"validated"`
	Unvalidated uint64 `json:"unvalidated"`
	Passed      uint64 `json:"passed"`
	Filtered    uint64 `json:"filtered"`
	TTLExpired  uint64 `json:"ttlexpired"`
	Replies     uint64 `json:"replies"`
	Dropped     uint64 `json:"dropped"`
}

type runnerCounters struct {
	total, validated, unvalidated, passed, filtered, ttlExpired, replies, dropped atomic.Uint64
}

// Runner connects a node to the middleware and feeds requests to the
// dispatcher.
type Runner struct {
	conn       transport.Connector
	sec        security.Provider
	registry   *agent.Registry
	dispatcher *Dispatcher
	node       filter.Node
	functions  filter.Functions
	cfg        RunnerConfig
	logger     logrus.FieldLogger

	stats runnerCounters
	ready chan struct{}
}

// NewRunner creates a runner. functions may be nil when no data plugins
// are installed.
func NewRunner(conn transport.Connector, sec security.Provider, registry *agent.Registry, dispatcher *Dispatcher, node filter.Node, functions filter.Functions, cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		conn:       conn,
		sec:        sec,
		registry:   registry,
		dispatcher: dispatcher,
		node:       node,
		functions:  functions,
		cfg:        cfg,
		logger:     cfg.Logger.WithField("identity", cfg.Identity),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the runner is subscribed and receiving.
func (r *Runner) Ready() <-chan struct{} {
	return r.ready
}

// Run connects, subscribes and handles requests until ctx is canceled.
// In-flight handlers are awaited before it returns.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		r.dispatcher.Wait()
		if err := r.conn.Disconnect(context.WithoutCancel(ctx)); err != nil {
			r.logger.WithError(err).Warn("disconnect failed")
		}
	}()

	if err := r.subscribe(ctx); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"agents":      r.registry.Names(),
		"collectives": r.cfg.Collectives,
	}).Info("node ready")
	close(r.ready)

	for {
		frame, err := r.conn.Receive(ctx, "")
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("receive: %w", err)
		}
		r.Handle(ctx, frame)
	}
}

func (r *Runner) subscribe(ctx context.Context) error {
	for _, collective := range r.cfg.Collectives {
		for _, name := range r.registry.Names() {
			if err := r.conn.Subscribe(ctx, name, transport.Broadcast, collective); err != nil {
				return fmt.Errorf("subscribe %s in %s: %w", name, collective, err)
			}
		}
		if err := r.conn.Subscribe(ctx, "", transport.Directed, collective); err != nil {
			return fmt.Errorf("subscribe node queue in %s: %w", collective, err)
		}
	}
	return nil
}

// Handle processes one received frame: decode, validate against this
// node and dispatch.
func (r *Runner) Handle(ctx context.Context, frame *transport.Frame) {
	r.stats.total.Add(1)

	msg, err := message.Decode(r.sec, frame.Type, frame.Body)
	if err != nil {
		r.stats.unvalidated.Add(1)
		metrics.RecordNodeMessage("unvalidated")
		r.logger.WithError(err).WithField("topic", frame.Topic).Warn("Failed to handle message")
		return
	}
	r.stats.validated.Add(1)

	if !msg.IsRequest() {
		r.logger.WithField("request_id", msg.RequestID).Debug("ignoring non request message")
		return
	}
	if frame.ReplyTo != "" {
		if err := msg.SetReplyTo(frame.ReplyTo); err != nil {
			r.logger.WithError(err).Warn("invalid reply target")
			return
		}
	}
	if len(r.cfg.Collectives) > 0 && !slices.Contains(r.cfg.Collectives, msg.Collective) {
		r.stats.filtered.Add(1)
		metrics.RecordNodeMessage("filtered")
		return
	}

	logger := r.logger.WithFields(logrus.Fields{
		"agent":      msg.Agent,
		"request_id": msg.RequestID,
		"sender":     msg.SenderID,
	})

	ev := filter.NewEvaluator(r.node, r.functions, r.logger)
	if err := msg.Validate(ctx, ev, r.cfg.Now()); err != nil {
		var expired *message.TTLExpiredError
		if errors.As(err, &expired) {
			r.stats.ttlExpired.Add(1)
			metrics.RecordNodeMessage("ttlexpired")
			logger.WithError(err).Warn("Received a message that has expired")
			return
		}
		r.stats.filtered.Add(1)
		metrics.RecordNodeMessage("filtered")
		logger.Debug("message does not pass filters, ignoring")
		return
	}
	r.stats.passed.Add(1)
	metrics.RecordNodeMessage("passed")

	req := &agent.Request{
		Agent:      msg.Agent,
		Collective: msg.Collective,
		RequestID:  msg.RequestID,
		SenderID:   msg.SenderID,
		CallerID:   msg.CallerID,
		Body:       msg.Body,
		Time:       msg.MsgTime,
		TTL:        msg.TTL,
	}
	if !r.dispatcher.Dispatch(ctx, req, r.replier(msg)) {
		r.stats.dropped.Add(1)
	}
}

func (r *Runner) replier(req *message.Message) ReplyFunc {
	return func(ctx context.Context, body json.RawMessage) {
		reply := message.NewReply(req, body)
		logger := r.logger.WithFields(logrus.Fields{"agent": req.Agent, "request_id": req.RequestID})
		if err := reply.Encode(r.sec); err != nil {
			logger.WithError(err).Error("could not encode reply")
			return
		}
		if err := r.conn.Publish(ctx, reply); err != nil {
			logger.WithError(err).Error("could not publish reply")
			return
		}
		r.stats.replies.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		Total:       r.stats.total.Load(),
		Validated:   r.stats.validated.Load(),
		Unvalidated: r.stats.unvalidated.Load(),
		Passed:      r.stats.passed.Load(),
		Filtered:    r.stats.filtered.Load(),
		TTLExpired:  r.stats.ttlExpired.Load(),
		Replies:     r.stats.replies.Load(),
		Dropped:     r.stats.dropped.Load(),
	}
}
