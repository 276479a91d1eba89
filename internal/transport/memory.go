package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aixgo-dev/fleet/internal/message"
	"github.com/sirupsen/logrus"
)

// DefaultInboxSize is the buffer of each in-memory connector inbox
const DefaultInboxSize = 100

// Broker is an in-process publish/subscribe hub. Every MemoryConnector
// created from the same Broker sees the same topics.
type Broker struct {
	mu        sync.RWMutex
	topics    map[string]map[*MemoryConnector]struct{}
	published uint64
	sendWait  time.Duration
	logger    logrus.FieldLogger
}

// BrokerOption configures a Broker
type BrokerOption func(*Broker)

// WithSendTimeout bounds how long a publish waits on a full inbox
func WithSendTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) { b.sendWait = d }
}

// WithBrokerLogger sets the logger used for delivery warnings
func WithBrokerLogger(l logrus.FieldLogger) BrokerOption {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBroker creates an empty broker
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:   make(map[string]map[*MemoryConnector]struct{}),
		sendWait: 5 * time.Second,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Published returns how many topic publishes the broker has handled,
// including those with no subscribers.
func (b *Broker) Published() uint64 {
	return atomic.LoadUint64(&b.published)
}

func (b *Broker) subscribe(topic string, c *MemoryConnector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*MemoryConnector]struct{})
		b.topics[topic] = subs
	}
	subs[c] = struct{}{}
}

func (b *Broker) unsubscribe(topic string, c *MemoryConnector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics[topic], c)
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
}

func (b *Broker) deliver(ctx context.Context, topic string, frame *Frame) error {
	b.mu.RLock()
	subs := make([]*MemoryConnector, 0, len(b.topics[topic]))
	for c := range b.topics[topic] {
		subs = append(subs, c)
	}
	b.mu.RUnlock()

	atomic.AddUint64(&b.published, 1)

	for _, c := range subs {
		f := *frame
		f.Topic = topic

		if n := len(c.inbox); n*100/cap(c.inbox) > 80 {
			b.logger.WithFields(logrus.Fields{
				"identity": c.identity,
				"queued":   n,
				"capacity": cap(c.inbox),
			}).Warn("inbox is more than 80% full")
		}

		select {
		case c.inbox <- &f:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.sendWait):
			return fmt.Errorf("timeout delivering to %s (inbox full)", c.identity)
		}
	}
	return nil
}

// MemoryConnector is a Connector backed by a Broker.
type MemoryConnector struct {
	broker    *Broker
	identity  string
	inbox     chan *Frame
	mu        sync.Mutex
	topics    map[string]struct{}
	connected bool
}

// NewMemoryConnector creates a connector for identity on broker
func NewMemoryConnector(broker *Broker, identity string) *MemoryConnector {
	return &MemoryConnector{
		broker:   broker,
		identity: identity,
		inbox:    make(chan *Frame, DefaultInboxSize),
		topics:   make(map[string]struct{}),
	}
}

func (c *MemoryConnector) Identity() string { return c.identity }

func (c *MemoryConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *MemoryConnector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic := range c.topics {
		c.broker.unsubscribe(topic, c)
	}
	c.topics = make(map[string]struct{})
	c.connected = false
	return nil
}

func (c *MemoryConnector) Publish(ctx context.Context, msg *message.Message) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	frame, topics, err := route(c.identity, msg)
	if err != nil {
		return err
	}
	for _, topic := range topics {
		if err := c.broker.deliver(ctx, topic, frame); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}
	return nil
}

func (c *MemoryConnector) Subscribe(ctx context.Context, agent string, kind Kind, collective string) error {
	topic, err := SubscriptionTopic(c.identity, agent, kind, collective)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.topics[topic] = struct{}{}
	c.broker.subscribe(topic, c)
	return nil
}

func (c *MemoryConnector) Unsubscribe(ctx context.Context, agent string, kind Kind, collective string) error {
	topic, err := SubscriptionTopic(c.identity, agent, kind, collective)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
	c.broker.unsubscribe(topic, c)
	return nil
}

func (c *MemoryConnector) Receive(ctx context.Context, requestID string) (*Frame, error) {
	if !c.isConnected() {
		return nil, ErrNotConnected
	}
	for {
		select {
		case frame := <-c.inbox:
			if wanted(frame, requestID) {
				return frame, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *MemoryConnector) Ping(ctx context.Context) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *MemoryConnector) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
