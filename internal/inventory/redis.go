package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis.
// Each registration is a key with a TTL plus a member of an index set.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is the key prefix for all inventory keys (default: "fleet:inventory:").
	Prefix string
	// TTL is how long a registration stays live without a refresh (0 = forever).
	TTL time.Duration
}

// NewRedisStore creates a new Redis inventory store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient creates a store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "fleet:inventory:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) nodeKey(identity string) string {
	return s.prefix + "node:" + identity
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "nodes"
}

func (s *RedisStore) open() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *RedisStore) Save(ctx context.Context, reg *Registration) error {
	if err := s.open(); err != nil {
		return err
	}

	c := *reg
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.nodeKey(reg.Identity), data, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), reg.Identity)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, identity string) (*Registration, error) {
	if err := s.open(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.nodeKey(identity)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("get registration: %w", err)
	}

	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("unmarshal registration: %w", err)
	}
	return &reg, nil
}

// List returns every live registration and prunes index entries whose key
// has expired.
func (s *RedisStore) List(ctx context.Context) ([]*Registration, error) {
	if err := s.open(); err != nil {
		return nil, err
	}

	identities, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	sort.Strings(identities)

	regs := make([]*Registration, 0, len(identities))
	for _, id := range identities {
		reg, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNodeNotFound) {
				s.client.SRem(ctx, s.indexKey(), id)
				continue
			}
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

func (s *RedisStore) Delete(ctx context.Context, identity string) error {
	if err := s.open(); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.nodeKey(identity))
	pipe.SRem(ctx, s.indexKey(), identity)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.open(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close releases resources held by the store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
