// Package kv defines the small Redis-shaped key-value surface the node needs
// for nonce slots and retry counters: atomic increment, TTLs, set-if-absent
// and a FIFO list. Two implementations exist: a Redis client for production
// and an in-process store for tests and fallbacks.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps every transport-level failure of a backing store.
// Callers must treat it as transient: do not retry in-process, let the queue
// redeliver the message instead.
var ErrUnavailable = errors.New("kv store unavailable")

// Store is the backing-store surface. All TTLs are sliding: operations that
// take a ttl refresh the key's expiry.
type Store interface {
	// Get returns the value for key, with found=false on a missing key.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set writes key=value with the given TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// IncrBy atomically adds delta to the integer at key (missing keys count
	// as 0) and returns the post-increment value, refreshing the TTL.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// SetNX writes key=value only if the key is absent; it reports whether
	// the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes a key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error
	// PushBack appends value to the FIFO list at key.
	PushBack(ctx context.Context, key, value string) error
	// PopFront removes and returns the oldest value of the FIFO list at key,
	// with found=false on an empty or missing list.
	PopFront(ctx context.Context, key string) (value string, found bool, err error)
	// Close releases the underlying connection.
	Close() error
}
