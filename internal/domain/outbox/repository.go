package outbox

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository defines the interface for persisting outbox events.
//
// Append takes the caller's open transaction; everything else runs on the
// repository's own connection. Writers only insert and dispatchers only
// update, so the two never contend on the same row.
type Repository interface {
	// Append inserts a pending event using the caller's active transaction.
	// It never opens its own: if the surrounding business transaction rolls
	// back, the insert rolls back with it.
	Append(tx *gorm.DB, event *Event) error

	// ClaimPending atomically moves up to batchSize of the oldest pending
	// events to processing and returns them. Concurrent dispatchers never
	// claim the same row.
	ClaimPending(ctx context.Context, batchSize int) ([]Event, error)

	// MarkCompleted finalizes a processing event. A row already completed is
	// left untouched.
	MarkCompleted(ctx context.Context, eventID int64, processedAt time.Time) error

	// MarkFailed records a publish failure, incrementing retry_count.
	MarkFailed(ctx context.Context, eventID int64, errMsg string) error

	// RequeueFailed resets failed events with retry_count below maxRetries
	// back to pending, clearing error_message. Returns the number requeued.
	RequeueFailed(ctx context.Context, batchSize, maxRetries int) (int64, error)

	// RequeueStale resets processing events not touched for olderThan back to
	// pending. Recovers rows claimed by a dispatcher that died mid-batch.
	RequeueStale(ctx context.Context, batchSize int, olderThan time.Duration) (int64, error)

	// Metrics returns aggregate counts by status plus the age of the oldest
	// pending event.
	Metrics(ctx context.Context) (*Metrics, error)
}
