package cache

import (
	"context"
	"time"
)

// Cache defines the unified interface for cache operations.
type Cache interface {
	BasicOps
	CounterOps
	LockOps
	PipelineOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key, "" when the key is missing
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Exists returns the number of keys that exist
	Exists(ctx context.Context, keys ...string) (int64, error)

	// TTL returns the remaining time to live of a key
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// CounterOps defines windowed counters.
type CounterOps interface {
	// IncrWindow increments key and returns the new value. The first increment
	// of a window sets its expiry.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// LockOps defines distributed lock operations.
// A lock is owned by the token that acquired it; release and extend are no-ops for other tokens.
type LockOps interface {
	// TryLock attempts to acquire key for token
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Unlock releases key if it is still held by token
	Unlock(ctx context.Context, key, token string) (bool, error)

	// ExtendLock resets the TTL of key if it is still held by token
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// PipelineOps defines pipeline operations for batching commands
type PipelineOps interface {
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
}

// Pipeliner defines the interface for pipeline operations
type Pipeliner interface {
	Set(key string, value interface{}, ttl time.Duration) error
	Del(keys ...string) error
}
