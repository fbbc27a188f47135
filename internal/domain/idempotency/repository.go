package idempotency

import (
	"context"
	"time"
)

// Repository defines the interface for persisting idempotency records.
//
// ClaimPending is the serialization point of the whole guard: the backing
// store must enforce uniqueness on scope_key so that exactly one of N
// concurrent callers wins the claim and the rest receive ErrDuplicateKey.
type Repository interface {
	// ClaimPending inserts a pending record for the scope key. Returns
	// ErrDuplicateKey when a live record already holds the key.
	ClaimPending(ctx context.Context, rec *Record) error

	// FindByScopeKey retrieves a record regardless of status.
	// Returns ErrNotFound when absent.
	FindByScopeKey(ctx context.Context, scopeKey string) (*Record, error)

	// Complete finalizes the pending->completed transition, attaching the
	// response snapshot and a fresh expiry.
	Complete(ctx context.Context, scopeKey string, snap Snapshot, expiresAt time.Time) error

	// DeleteClaim removes a pending claim after a failed execution so the
	// key stays retryable.
	DeleteClaim(ctx context.Context, scopeKey string) error

	// DeleteExpired prunes records past their replay window. Returns the
	// number of rows removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
