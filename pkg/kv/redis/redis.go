// Package redis provides a Redis-backed kv.Store so that flow state can be
// shared between several mcpconnect replicas.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rhuss/mcpconnect/pkg/kv"
)

// Config holds Redis connection settings.
type Config struct {
	// URL is a redis:// or rediss:// URL. When set it takes precedence
	// over Addr, Password and DB.
	URL string

	Addr     string
	Password string
	DB       int

	// KeyPrefix is prepended to every key (default: "mcpconnect:").
	KeyPrefix string
}

// Store is a kv.Store backed by Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ kv.Store = (*Store)(nil)

// New connects to Redis and verifies connectivity with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts *goredis.Options
	if cfg.URL != "" {
		parsed, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "mcpconnect:"
	}
	return &Store{client: client, prefix: prefix}
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, nil
}

// Set stores value under key. Redis treats a zero expiration as "keep forever".
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// SetNX stores value under key only if the key does not exist yet.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(ctx, s.prefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del %q: %w", key, err)
	}
	return n > 0, nil
}

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
