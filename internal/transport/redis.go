package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aixgo-dev/fleet/internal/message"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is prepended to every channel name (default: "fleet:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// RedisConnector is a Connector over Redis pub/sub channels.
type RedisConnector struct {
	client   *redis.Client
	prefix   string
	identity string
	logger   logrus.FieldLogger

	mu        sync.Mutex
	pubsub    *redis.PubSub
	msgs      <-chan *redis.Message
	topics    map[string]struct{}
	connected bool
}

// NewRedisConnector creates a connector for identity
func NewRedisConnector(cfg RedisConfig, identity string, logger logrus.FieldLogger) (*RedisConnector, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})
	return NewRedisConnectorFromClient(client, cfg.Prefix, identity, logger), nil
}

// NewRedisConnectorFromClient wraps an existing client.
// This is useful for testing with miniredis.
func NewRedisConnectorFromClient(client *redis.Client, prefix, identity string, logger logrus.FieldLogger) *RedisConnector {
	if prefix == "" {
		prefix = "fleet:"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisConnector{
		client:   client,
		prefix:   prefix,
		identity: identity,
		logger:   logger,
		topics:   make(map[string]struct{}),
	}
}

func (c *RedisConnector) Identity() string { return c.identity }

func (c *RedisConnector) channel(topic string) string {
	return c.prefix + topic
}

// Connect verifies the server is reachable.
func (c *RedisConnector) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.WithField("identity", c.identity).Debug("connected to redis")
	return nil
}

// Disconnect drops all subscriptions and closes the client.
func (c *RedisConnector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.pubsub != nil {
		errs = append(errs, c.pubsub.Close())
		c.pubsub = nil
		c.msgs = nil
	}
	c.topics = make(map[string]struct{})
	if c.connected {
		errs = append(errs, c.client.Close())
	}
	c.connected = false
	return errors.Join(errs...)
}

func (c *RedisConnector) Publish(ctx context.Context, msg *message.Message) error {
	if !c.isConnected() {
		return ErrNotConnected
	}

	frame, topics, err := route(c.identity, msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	for _, topic := range topics {
		if err := c.client.Publish(ctx, c.channel(topic), data).Err(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}
	return nil
}

// Subscribe adds a channel and waits until the server reports the extra
// subscriber, so that a publish issued right after cannot be missed.
func (c *RedisConnector) Subscribe(ctx context.Context, agent string, kind Kind, collective string) error {
	topic, err := SubscriptionTopic(c.identity, agent, kind, collective)
	if err != nil {
		return err
	}
	ch := c.channel(topic)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if _, ok := c.topics[topic]; ok {
		return nil
	}

	before, err := c.subscribers(ctx, ch)
	if err != nil {
		return err
	}

	if c.pubsub == nil {
		c.pubsub = c.client.Subscribe(ctx, ch)
		c.msgs = c.pubsub.Channel()
	} else if err := c.pubsub.Subscribe(ctx, ch); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.topics[topic] = struct{}{}

	for {
		n, err := c.subscribers(ctx, ch)
		if err != nil {
			return err
		}
		if n > before {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("subscribe %s: %w", topic, ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *RedisConnector) subscribers(ctx context.Context, ch string) (int64, error) {
	counts, err := c.client.PubSubNumSub(ctx, ch).Result()
	if err != nil {
		return 0, fmt.Errorf("pubsub numsub %s: %w", ch, err)
	}
	return counts[ch], nil
}

func (c *RedisConnector) Unsubscribe(ctx context.Context, agent string, kind Kind, collective string) error {
	topic, err := SubscriptionTopic(c.identity, agent, kind, collective)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[topic]; !ok || c.pubsub == nil {
		return nil
	}
	delete(c.topics, topic)
	return c.pubsub.Unsubscribe(ctx, c.channel(topic))
}

// Receive returns the next frame. Frames that fail to parse are logged and
// skipped.
func (c *RedisConnector) Receive(ctx context.Context, requestID string) (*Frame, error) {
	c.mu.Lock()
	msgs := c.msgs
	c.mu.Unlock()

	if msgs == nil {
		return nil, ErrNotSubscribed
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil, ErrNotConnected
			}
			var frame Frame
			if err := json.Unmarshal([]byte(m.Payload), &frame); err != nil {
				c.logger.WithError(err).WithField("channel", m.Channel).Warn("dropping malformed frame")
				continue
			}
			frame.Topic = strings.TrimPrefix(m.Channel, c.prefix)
			if wanted(&frame, requestID) {
				return &frame, nil
			}
		}
	}
}

// Ping round trips to the server.
func (c *RedisConnector) Ping(ctx context.Context) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (c *RedisConnector) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
