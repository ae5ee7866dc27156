// Package cache provides the read-model cache used for effective coverage
// sets and other derived lookups. The default backend is an in-process map;
// multi-replica deployments use the Redis backend so all brokers share one
// view and can invalidate each other over Pub/Sub. Values are opaque byte
// slices, encoding is the caller's concern.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its TTL has elapsed.
var ErrNotFound = errors.New("cache: key not found")

// Cache is a key-value cache with per-entry TTL. Implementations must be
// safe for concurrent use.
type Cache interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero TTL means the entry does not
	// expire on its own.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
