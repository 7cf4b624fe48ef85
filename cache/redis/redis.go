// Package redis provides a cache.Storage backed by Redis, keeping a session's
// resource graph out of process memory.
//
// A key prefix belongs to one client. Init, run when a client starts, deletes
// every key under the prefix, so clients sharing a Redis server need distinct
// prefixes.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/ucwa-go/cache"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

var _ cache.Storage = (*Storage)(nil)

// Config contains configuration options for the Redis storage.
type Config struct {
	// Client is the Redis client instance. When nil, one is dialed from Addr.
	Client *redis.Client

	// Addr like "localhost:6379". ENV: UCWA_REDIS_ADDR
	Addr string `env:"UCWA_REDIS_ADDR,default=localhost:6379"`

	// KeyPrefix for all keys. ENV: UCWA_REDIS_PREFIX
	// Default: "ucwa:cache:"
	KeyPrefix string `env:"UCWA_REDIS_PREFIX,default=ucwa:cache:"`
}

// Storage implements cache.Storage using Redis strings.
type Storage struct {
	client    *redis.Client
	keyPrefix string
	owned     bool
}

// New creates a Redis-backed store. When cfg.Client is nil a client is created
// from cfg.Addr and pinged.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ucwa:cache:"
	}
	s := &Storage{client: cfg.Client, keyPrefix: cfg.KeyPrefix}
	if s.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		s.client = redis.NewClient(&redis.Options{Addr: addr})
		s.owned = true
		if err := s.client.Ping(ctx).Err(); err != nil {
			_ = s.client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	return s, nil
}

// NewFromEnv builds a Storage using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Storage, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg)
}

// Close closes the Redis client if this Storage created it.
func (s *Storage) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *Storage) key(id string) string { return s.keyPrefix + id }

// Init deletes every key under the configured prefix.
func (s *Storage) Init(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Create stores data under id, failing if the key already exists.
func (s *Storage) Create(ctx context.Context, id string, data []byte) error {
	ok, err := s.client.SetNX(ctx, s.key(id), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", s.key(id), err)
	}
	if !ok {
		return cache.ErrExists
	}
	return nil
}

// Read returns the bytes stored under id.
func (s *Storage) Read(ctx context.Context, id string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key %s: %w", s.key(id), err)
	}
	return b, nil
}

// Update replaces the bytes stored under id, failing if the key is missing.
func (s *Storage) Update(ctx context.Context, id string, data []byte) error {
	ok, err := s.client.SetXX(ctx, s.key(id), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", s.key(id), err)
	}
	if !ok {
		return cache.ErrNotFound
	}
	return nil
}

// Delete removes id.
func (s *Storage) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", s.key(id), err)
	}
	return nil
}
