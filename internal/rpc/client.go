package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aixgo-dev/fleet/internal/client"
	"github.com/aixgo-dev/fleet/internal/discovery"
	"github.com/aixgo-dev/fleet/internal/filter"
	"github.com/aixgo-dev/fleet/internal/message"
	"github.com/sirupsen/logrus"
)

// DefaultAgentTimeout is how long an action may run on a node when the
// caller does not say otherwise.
const DefaultAgentTimeout = 10 * time.Second

// Sleeper paces batches.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is the client stats plus per node action outcomes.
type Stats struct {
	client.Stats
	OKCount   int
	FailCount int
}

// Merge folds o into s
func (s *Stats) Merge(o Stats) {
	s.Stats.Merge(o.Stats)
	s.OKCount += o.OKCount
	s.FailCount += o.FailCount
}

// Option configures a Client
type Option func(*Client)

// WithFilter replaces the starting filter. The agent filter is always added.
func WithFilter(f *filter.Filter) Option {
	return func(c *Client) { c.filter = f.Clone() }
}

// WithTimeout sets how long an action may run on a node
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.agentTimeout = d }
}

// WithDiscoveryTimeout overrides the discovery method timeout
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(c *Client) { c.discoveryTimeout = d }
}

func WithLimitMethod(m LimitMethod) Option {
	return func(c *Client) { c.limitMethod = m }
}

// WithLimitSeed makes random limiting repeatable
func WithLimitSeed(seed int64) Option {
	return func(c *Client) { c.limitSeed = &seed }
}

func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleeper = s }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// Client calls actions of one agent across the fleet.
type Client struct {
	agent  string
	client *client.Client
	engine *discovery.Engine
	logger logrus.FieldLogger

	filter           *filter.Filter
	agentTimeout     time.Duration
	discoveryTimeout time.Duration

	limit       Limit
	limitMethod LimitMethod
	limitSeed   *int64

	batchSize  BatchSize
	batchSleep time.Duration
	sleeper    Sleeper

	discovered  []string
	forceDirect bool
	stats       Stats
}

// NewClient creates a client for agent.
func NewClient(agent string, c *client.Client, engine *discovery.Engine, opts ...Option) *Client {
	rc := &Client{
		agent:        agent,
		client:       c,
		engine:       engine,
		logger:       logrus.StandardLogger(),
		filter:       filter.New(),
		agentTimeout: DefaultAgentTimeout,
		limitMethod:  First,
		batchSleep:   time.Second,
		sleeper:      timerSleeper{},
	}
	for _, opt := range opts {
		opt(rc)
	}
	rc.filter.AddAgent(agent)
	return rc
}

func (c *Client) Agent() string { return c.agent }

// Filter returns the filter used for discovery. Changes to it take effect
// after Reset.
func (c *Client) Filter() *filter.Filter { return c.filter }

// Stats returns the stats of the last call
func (c *Client) Stats() Stats { return c.stats }

// Reset forgets discovered nodes so the next call discovers again.
func (c *Client) Reset() {
	c.discovered = nil
	c.forceDirect = false
}

// SetDiscoveryMethod selects a discovery method for this client.
func (c *Client) SetDiscoveryMethod(name string, options ...string) {
	c.engine.SetMethod(name, options...)
	c.Reset()
}

// SetLimit sets the target limit from a count or percentage.
func (c *Client) SetLimit(v any) error {
	l, err := ParseLimit(v)
	if err != nil {
		return err
	}
	c.limit = l
	return nil
}

func (c *Client) Limit() Limit { return c.limit }

// SetBatchSize enables batching. A zero size disables it.
func (c *Client) SetBatchSize(v any) error {
	if !c.client.Config().DirectAddressing {
		return fmt.Errorf("can only set batch size if direct addressing is supported")
	}
	b, err := ParseBatchSize(v)
	if err != nil {
		return err
	}
	c.batchSize = b
	return nil
}

func (c *Client) BatchSize() BatchSize { return c.batchSize }

// SetBatchSleep sets the pause between batches.
func (c *Client) SetBatchSleep(d time.Duration) error {
	if !c.client.Config().DirectAddressing {
		return fmt.Errorf("can only set batch sleep time if direct addressing is supported")
	}
	c.batchSleep = d
	return nil
}

// SetNodes supplies the node list directly, skipping discovery. Requests
// then go to exactly these nodes.
func (c *Client) SetNodes(nodes []string) error {
	c.Reset()
	if !c.client.Config().DirectAddressing {
		return ErrDiscoveryDataRequiresDirect
	}
	c.discovered = append([]string{}, nodes...)
	c.forceDirect = true
	return nil
}

// DiscoveryTimeout is the effective discovery budget for the current filter
func (c *Client) DiscoveryTimeout() (time.Duration, error) {
	return c.engine.EffectiveTimeout(c.discoveryTimeout, c.filter)
}

// Timeout is the full request budget: discovery plus the agent timeout.
func (c *Client) Timeout() (time.Duration, error) {
	d, err := c.DiscoveryTimeout()
	if err != nil {
		return 0, err
	}
	return d + c.agentTimeout, nil
}

// Discover returns the nodes a call would address, discovering them on
// first use.
func (c *Client) Discover(ctx context.Context) ([]string, error) {
	if c.discovered != nil {
		return c.discovered, nil
	}

	if ids, ok := c.directIdentities(); ok {
		c.discovered = ids
		c.forceDirect = c.client.Config().DirectAddressing
		c.stats.DiscoveredNodes = ids
		return ids, nil
	}

	c.forceDirect = false

	limit := 0
	if c.limitMethod == First && !c.limit.IsPercent() {
		limit = c.limit.Count
	}

	start := time.Now()
	nodes, err := c.engine.Discover(ctx, c.filter, c.discoveryTimeout, limit)
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []string{}
	}

	c.stats.DiscoveryTime = time.Since(start)
	c.stats.DiscoveredNodes = nodes
	c.discovered = nodes
	return nodes, nil
}

// directIdentities reports the identities to address when the filter is
// nothing but plain identities and the broadcast method is active.
func (c *Client) directIdentities() ([]string, bool) {
	f := c.filter
	if len(f.Identity) == 0 || len(f.Fact) > 0 || len(f.Class) > 0 || len(f.Compound) > 0 {
		return nil, false
	}
	if method, err := c.engine.ResolveMethod(); err != nil || method != discovery.DefaultMethod {
		return nil, false
	}
	for _, id := range f.Identity {
		if filter.IsRegex(id) {
			return nil, false
		}
	}
	return append([]string{}, f.Identity...), true
}

// CallOption tunes a single call
type CallOption func(*callOptions)

type callOptions struct {
	processResults bool
}

// WithoutResults publishes the request and returns without waiting for
// replies.
func WithoutResults() CallOption {
	return func(o *callOptions) { o.processResults = false }
}

// Call runs action with data on every targeted node and hands each reply to
// fn. It returns when every node replied or the timeout elapsed.
func (c *Client) Call(ctx context.Context, action string, data map[string]any, fn ReplyHandler, opts ...CallOption) (Stats, error) {
	co := callOptions{processResults: true}
	for _, opt := range opts {
		opt(&co)
	}

	c.stats = Stats{}
	start := time.Now()

	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(Request{
		Agent:          c.agent,
		Action:         action,
		Data:           data,
		Caller:         c.client.CallerID(),
		ProcessResults: co.processResults,
	})
	if err != nil {
		return Stats{}, fmt.Errorf("encode %s#%s request: %w", c.agent, action, err)
	}

	if c.batchSize.Enabled() {
		if !c.client.Config().DirectAddressing {
			return Stats{}, ErrBatchRequiresDirect
		}
		if !co.processResults {
			return Stats{}, ErrBatchResultProcessing
		}
	}

	if !co.processResults && !c.forceDirect {
		return c.fireAndForget(ctx, body)
	}

	discovered, err := c.Discover(ctx)
	if err != nil {
		return Stats{}, err
	}
	nodes := PickNodes(discovered, c.limit, c.limitMethod, c.limitSeed)
	if len(nodes) == 0 {
		return c.stats, ErrNoNodesDiscovered
	}

	timeout, err := c.Timeout()
	if err != nil {
		return Stats{}, err
	}

	handler := c.resultHandler(action, fn)

	var stats Stats
	switch {
	case !co.processResults:
		stats, err = c.sendDirect(ctx, body, nodes)
	case c.batchSize.Enabled():
		stats, err = c.callBatched(ctx, body, nodes, timeout, handler)
	default:
		stats, err = c.callOnce(ctx, body, nodes, timeout, handler)
	}
	stats.DiscoveryTime = c.stats.DiscoveryTime
	stats.DiscoveredNodes = discovered
	stats.StartTime = start
	stats.TotalTime = time.Since(start)
	c.stats = stats
	return stats, err
}

// Results runs action like Call and collects every reply.
func (c *Client) Results(ctx context.Context, action string, data map[string]any) ([]Result, Stats, error) {
	var results []Result
	stats, err := c.Call(ctx, action, data, func(r Result, _ *message.Message) {
		results = append(results, r)
	})
	return results, stats, err
}

func (c *Client) newRequest(body json.RawMessage, nodes []string) (*message.Message, error) {
	msg := c.client.NewRequest(c.agent, body, c.filter, "")
	msg.DiscoveredHosts = nodes
	if c.forceDirect {
		if err := msg.SetType(message.TypeDirectRequest); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (c *Client) callOnce(ctx context.Context, body json.RawMessage, nodes []string, timeout time.Duration, fn func(*message.Message, *Stats)) (Stats, error) {
	msg, err := c.newRequest(body, nodes)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	cs, err := c.client.Request(ctx, msg, timeout, client.ExpectNodes(nodes), func(reply *message.Message) {
		fn(reply, &stats)
	})
	stats.Stats = cs
	return stats, err
}

// callBatched addresses nodes in consecutive groups sharing one request
// id, sleeping between groups.
func (c *Client) callBatched(ctx context.Context, body json.RawMessage, nodes []string, timeout time.Duration, fn func(*message.Message, *Stats)) (Stats, error) {
	size := c.batchSize.Of(len(nodes))
	requestID := message.NewRequestID()

	logger := c.logger.WithFields(logrus.Fields{
		"agent":      c.agent,
		"request_id": requestID,
		"batch_size": size,
	})

	var total Stats
	for start := 0; start < len(nodes); start += size {
		group := nodes[start:min(start+size, len(nodes))]

		msg := c.client.NewRequest(c.agent, body, c.filter, "")
		msg.RequestID = requestID
		msg.DiscoveredHosts = group
		if err := msg.SetType(message.TypeDirectRequest); err != nil {
			return total, err
		}

		var batch Stats
		cs, err := c.client.Request(ctx, msg, timeout, client.ExpectNodes(group), func(reply *message.Message) {
			fn(reply, &batch)
		})
		if err != nil {
			return total, err
		}
		batch.Stats = cs
		total.Merge(batch)

		logger.WithField("nodes", len(group)).Debug("batch complete")

		if start+size < len(nodes) {
			if err := c.sleeper.Sleep(ctx, c.batchSleep); err != nil {
				return total, err
			}
		}
	}
	total.RequestID = requestID
	return total, nil
}

func (c *Client) fireAndForget(ctx context.Context, body json.RawMessage) (Stats, error) {
	msg := c.client.NewRequest(c.agent, body, c.filter, "")
	id, err := c.client.Send(ctx, msg)
	return Stats{Stats: client.Stats{RequestID: id}}, err
}

func (c *Client) sendDirect(ctx context.Context, body json.RawMessage, nodes []string) (Stats, error) {
	msg, err := c.newRequest(body, nodes)
	if err != nil {
		return Stats{}, err
	}
	id, err := c.client.Send(ctx, msg)
	return Stats{Stats: client.Stats{RequestID: id}}, err
}

// resultHandler decodes replies into Results, counts outcomes and hands
// them to fn. Undecodable bodies are logged and counted as failures.
func (c *Client) resultHandler(action string, fn ReplyHandler) func(*message.Message, *Stats) {
	return func(msg *message.Message, stats *Stats) {
		result, err := ResultFromReply(c.agent, action, msg)
		if err != nil {
			c.logger.WithError(err).WithField("sender", msg.SenderID).Warn("could not decode reply")
			stats.FailCount++
			return
		}
		if result.OK() {
			stats.OKCount++
		} else {
			stats.FailCount++
		}
		if fn != nil {
			fn(result, msg)
		}
	}
}
