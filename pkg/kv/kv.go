// Package kv defines the expiring key/value boundary used to share flow
// state between callers, together with an in-process implementation.
// A Redis-backed implementation lives in pkg/kv/redis.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("key not found")

// Store is an expiring key/value store. Implementations must be safe for
// concurrent use. A zero or negative ttl means the value never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent (or expired) and reports
	// whether the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
}
