package ratelimit

import (
	"context"
	"time"
)

// Store is the shared counter backing the limiter. It is injected rather than
// reached for as ambient state so the atomicity of each operation is explicit
// and testable with an in-memory fake.
//
// All state here is ephemeral: eviction must only ever widen what is allowed,
// never cause rejection beyond the intended window.
type Store interface {
	// Incr atomically increments the counter and returns the post-increment
	// value. The TTL is applied when the key is first created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the current value and whether the key exists.
	Get(ctx context.Context, key string) (int64, bool, error)

	// CompareAndSwap atomically replaces old with new, treating a missing key
	// as zero. Returns false when the stored value no longer matches old.
	CompareAndSwap(ctx context.Context, key string, old, new int64, ttl time.Duration) (bool, error)

	// Delete removes a single key.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key under the prefix. Used by the
	// administrative identity reset.
	DeletePrefix(ctx context.Context, prefix string) error
}
