// Package client publishes requests to the fleet and collects the replies
// under a timeout budget.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aixgo-dev/fleet/internal/filter"
	"github.com/aixgo-dev/fleet/internal/message"
	"github.com/aixgo-dev/fleet/internal/observability"
	"github.com/aixgo-dev/fleet/internal/security"
	"github.com/aixgo-dev/fleet/internal/transport"
	metrics "github.com/aixgo-dev/fleet/pkg/observability"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPublishTimeout bounds how long a publish is waited on
	DefaultPublishTimeout = 2 * time.Second

	// DefaultThreshold is the node count at which direct requests fall
	// back to broadcast
	DefaultThreshold = 10

	// DiscoveryAgent answers the broadcast ping used by mc discovery
	DiscoveryAgent = "discovery"
)

// ErrNilReplyHandler is returned when Request is called without a handler
var ErrNilReplyHandler = errors.New("a reply handler is required")

// Config holds client settings.
type Config struct {
	Collective       string
	PublishTimeout   time.Duration
	Threaded         bool
	DirectAddressing bool
	Threshold        int
	TTL              time.Duration
	Logger           logrus.FieldLogger
}

// Expectation tells the receive loop when it is done. Use ExpectCount or
// ExpectNodes to build one.
type Expectation struct {
	Count int
	Nodes []string
	list  bool
}

// ExpectCount waits for n replies. Zero waits until the timeout.
func ExpectCount(n int) Expectation {
	return Expectation{Count: n}
}

// ExpectNodes waits until every identity in nodes has replied. An empty
// list waits until the timeout.
func ExpectNodes(nodes []string) Expectation {
	return Expectation{Count: len(nodes), Nodes: slices.Clone(nodes), list: true}
}

// IsList reports whether the expectation is a set of identities
func (e Expectation) IsList() bool { return e.list }

// ReplyFunc is called once per accepted reply, in arrival order.
type ReplyFunc func(reply *message.Message)

type subscription struct {
	agent      string
	kind       transport.Kind
	collective string
}

// Client sends requests over a connector.
type Client struct {
	conn   transport.Connector
	sec    security.Provider
	cfg    Config
	logger logrus.FieldLogger

	mu   sync.Mutex
	subs map[subscription]struct{}
}

// New creates a client. The connector is not connected.
func New(conn transport.Connector, sec security.Provider, cfg Config) *Client {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.TTL <= 0 {
		cfg.TTL = message.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Client{
		conn:   conn,
		sec:    sec,
		cfg:    cfg,
		logger: cfg.Logger,
		subs:   make(map[subscription]struct{}),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect drops every tracked subscription and the connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.subs = make(map[subscription]struct{})
	c.mu.Unlock()
	return c.conn.Disconnect(ctx)
}

func (c *Client) Identity() string { return c.conn.Identity() }

func (c *Client) Config() Config { return c.cfg }

// CallerID is the caller identity stamped onto requests
func (c *Client) CallerID() string { return c.sec.CallerID() }

// Subscribe subscribes once per agent, kind and collective.
func (c *Client) Subscribe(ctx context.Context, agent string, kind transport.Kind, collective string) error {
	key := subscription{agent, kind, collective}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[key]; ok {
		return nil
	}
	if err := c.conn.Subscribe(ctx, agent, kind, collective); err != nil {
		return fmt.Errorf("subscribe %s %s in %s: %w", kind, agent, collective, err)
	}
	c.subs[key] = struct{}{}
	return nil
}

// Unsubscribe removes a tracked subscription.
func (c *Client) Unsubscribe(ctx context.Context, agent string, kind transport.Kind, collective string) error {
	key := subscription{agent, kind, collective}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[key]; !ok {
		return nil
	}
	delete(c.subs, key)
	return c.conn.Unsubscribe(ctx, agent, kind, collective)
}

// NewRequest builds a request message using the client defaults.
func (c *Client) NewRequest(agent string, body json.RawMessage, f *filter.Filter, collective string) *message.Message {
	if collective == "" {
		collective = c.cfg.Collective
	}
	return message.New(agent, body,
		message.WithType(message.TypeRequest),
		message.WithFilter(f.Clone()),
		message.WithCollective(collective),
		message.WithTTL(c.cfg.TTL),
		message.WithDirectAddressing(c.cfg.DirectAddressing),
	)
}

// Request publishes msg and collects replies until expect is met or the
// timeout elapses. Timeouts are not errors; they show up in the stats.
func (c *Client) Request(ctx context.Context, msg *message.Message, timeout time.Duration, expect Expectation, fn ReplyFunc) (Stats, error) {
	if fn == nil {
		return Stats{}, ErrNilReplyHandler
	}
	if msg.Collective == "" {
		msg.Collective = c.cfg.Collective
	}

	ctx, span := observability.StartSpanWithOtel(ctx, "client.request",
		trace.WithAttributes(
			attribute.String("fleet.agent", msg.Agent),
			attribute.String("fleet.collective", msg.Collective),
			attribute.Bool("fleet.threaded", c.cfg.Threaded),
		),
	)
	defer span.End()

	if msg.ReplyTo() == "" {
		if err := c.Subscribe(ctx, msg.Agent, transport.Reply, msg.Collective); err != nil {
			span.RecordError(err)
			return Stats{}, err
		}
	}

	if err := msg.PrepareForPublish(c.cfg.Threshold); err != nil {
		span.RecordError(err)
		return Stats{}, err
	}
	if err := msg.Encode(c.sec); err != nil {
		span.RecordError(err)
		return Stats{}, err
	}
	span.SetAttributes(
		attribute.String("fleet.request_id", msg.RequestID),
		attribute.String("fleet.type", string(msg.Type)),
	)

	var (
		stats Stats
		err   error
	)
	if c.cfg.Threaded {
		stats, err = c.threadedRequest(ctx, msg, timeout, expect, fn)
	} else {
		stats, err = c.sequentialRequest(ctx, msg, timeout, expect, fn)
	}
	if err != nil {
		span.RecordError(err)
		return stats, err
	}

	span.SetAttributes(attribute.Int("fleet.responses", stats.Responses))
	return stats, nil
}

func (c *Client) sequentialRequest(ctx context.Context, msg *message.Message, timeout time.Duration, expect Expectation, fn ReplyFunc) (Stats, error) {
	start := time.Now()

	timedOut, err := c.publish(ctx, msg)
	if err != nil {
		return Stats{}, err
	}

	stats, err := c.receive(ctx, msg, timeout, expect, fn)
	stats.StartTime = start
	stats.PublishTimedOut = timedOut
	stats.TotalTime = time.Since(start)
	return stats, err
}

// threadedRequest overlaps publishing with the receive loop. The receive
// budget grows by the publish timeout since replies can only arrive after
// the publish went out.
func (c *Client) threadedRequest(ctx context.Context, msg *message.Message, timeout time.Duration, expect Expectation, fn ReplyFunc) (Stats, error) {
	start := time.Now()

	var (
		stats    Stats
		timedOut bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stats, err = c.receive(gctx, msg, timeout+c.cfg.PublishTimeout, expect, fn)
		return err
	})
	g.Go(func() error {
		var err error
		timedOut, err = c.publish(gctx, msg)
		return err
	})
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	stats.StartTime = start
	stats.PublishTimedOut = timedOut
	stats.TotalTime = time.Since(start)
	return stats, nil
}

// publish sends msg and waits at most the publish timeout for it. A
// timeout is logged and reported but the in-flight publish is not
// cancelled.
func (c *Client) publish(ctx context.Context, msg *message.Message) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- c.conn.Publish(context.WithoutCancel(ctx), msg)
	}()

	timer := time.NewTimer(c.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return false, fmt.Errorf("publish %s %s: %w", msg.Type, msg.RequestID, err)
		}
		metrics.RecordRequestPublished(msg.Agent, string(msg.Type))
		c.logger.WithFields(logrus.Fields{
			"agent":      msg.Agent,
			"request_id": msg.RequestID,
			"type":       msg.Type,
			"collective": msg.Collective,
		}).Debug("published request")
		return false, nil
	case <-timer.C:
		metrics.RecordPublishTimeout()
		c.logger.WithField("request_id", msg.RequestID).Warn("Could not publish all messages. Publishing timed out.")
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// receive runs the reply loop for req. Replies that fail decoding or belong
// to another request are skipped without ending the loop.
func (c *Client) receive(ctx context.Context, req *message.Message, timeout time.Duration, expect Expectation, fn ReplyFunc) (Stats, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	remaining := slices.Clone(expect.Nodes)

	stats := Stats{RequestID: req.RequestID}
	logger := c.logger.WithFields(logrus.Fields{
		"agent":      req.Agent,
		"request_id": req.RequestID,
	})

loop:
	for {
		left := time.Until(deadline)
		if left <= 0 {
			break
		}

		rctx, cancel := context.WithTimeout(ctx, left)
		frame, err := c.conn.Receive(rctx, req.RequestID)
		cancel()
		if err != nil {
			// Running out of time, ours or the caller's, ends collection.
			// Only cancellation is an error.
			switch {
			case errors.Is(err, context.DeadlineExceeded) && !errors.Is(ctx.Err(), context.Canceled):
				break loop
			case ctx.Err() != nil:
				return stats, ctx.Err()
			default:
				return stats, fmt.Errorf("receive replies for %s: %w", req.RequestID, err)
			}
		}

		reply, err := message.Decode(c.sec, frame.Type, frame.Body)
		if err != nil {
			logger.WithError(err).Warn("Ignoring a message that did not pass security validations")
			continue
		}
		if reply.RequestID != req.RequestID {
			logger.WithField("reply_request_id", reply.RequestID).Debug("ignoring reply to a different request")
			continue
		}

		stats.Responses++
		if expect.list {
			if i := slices.Index(remaining, reply.SenderID); i >= 0 {
				remaining = slices.Delete(remaining, i, i+1)
			} else {
				stats.UnexpectedResponseFrom = append(stats.UnexpectedResponseFrom, reply.SenderID)
			}
		}

		fn(reply)

		switch {
		case expect.list && len(expect.Nodes) > 0 && len(remaining) == 0:
			break loop
		case !expect.list && expect.Count > 0 && stats.Responses >= expect.Count:
			break loop
		}
	}

	stats.BlockTime = time.Since(start)
	stats.NoResponseFrom = remaining

	missing := len(remaining)
	switch {
	case expect.list && missing > 0:
		logger.WithField("missing", missing).
			Warnf("Could not receive all responses. Did not receive responses from %s", strings.Join(remaining, ", "))
	case !expect.list && expect.Count > 0 && stats.Responses < expect.Count:
		missing = expect.Count - stats.Responses
		logger.Warnf("Could not receive all responses. Expected : %d. Received : %d", expect.Count, stats.Responses)
	}
	metrics.RecordReplies(req.Agent, stats.Responses, missing)

	return stats, nil
}

// Ping broadcasts a discovery ping and reports every responder until the
// limit is reached or the timeout elapses.
func (c *Client) Ping(ctx context.Context, f *filter.Filter, collective string, timeout time.Duration, limit int, fn func(identity string)) error {
	msg := c.NewRequest(DiscoveryAgent, json.RawMessage(`"ping"`), f, collective)
	expect := ExpectCount(0)
	if limit > 0 {
		expect = ExpectCount(limit)
	}

	_, err := c.Request(ctx, msg, timeout, expect, func(reply *message.Message) {
		fn(reply.SenderID)
	})
	return err
}

// Send publishes msg without subscribing for or waiting on replies and
// returns its request id.
func (c *Client) Send(ctx context.Context, msg *message.Message) (string, error) {
	if msg.Collective == "" {
		msg.Collective = c.cfg.Collective
	}
	if err := msg.PrepareForPublish(c.cfg.Threshold); err != nil {
		return "", err
	}
	if err := msg.Encode(c.sec); err != nil {
		return "", err
	}
	if _, err := c.publish(ctx, msg); err != nil {
		return "", err
	}
	return msg.RequestID, nil
}
