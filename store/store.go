// Package store defines the minimal key-value contract the token engine
// needs for signing-key rotation and refresh reuse tracking, plus Redis and
// in-memory drivers. No transactions or range queries are required; the one
// atomic primitive is CompareAndSwap on a single entry.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is an exported constant used by the store drivers.
var ErrUnavailable = errors.New("store unavailable")

// Store is the collaborator contract for persisted engine state. TTLs of
// zero mean no expiry. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put writes the value at key with the given TTL.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Forget removes the key. Removing an absent key is not an error.
	Forget(ctx context.Context, key string) error

	// CompareAndSwap writes value only when the current value equals old.
	// An empty old means "create only if absent". It returns whether the
	// swap happened; a false return with nil error is contention, safe to
	// re-read and retry.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)
}
