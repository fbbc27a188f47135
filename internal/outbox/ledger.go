// Package outbox implements the transactional outbox: domain events are
// written in the same transaction as the business mutation and published
// asynchronously from the durable record, avoiding the dual-write problem
// between the database and the message sink.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/zenamanage/writepath/internal/domain/outbox"
	"github.com/zenamanage/writepath/pkg/snowflake"
	"gorm.io/gorm"
)

// Ledger appends events from inside business transactions.
type Ledger struct {
	repo domain.Repository
	ids  *snowflake.Node
	now  func() time.Time
}

func NewLedger(repo domain.Repository, ids *snowflake.Node) *Ledger {
	return &Ledger{repo: repo, ids: ids, now: time.Now}
}

// Append inserts a pending event using the caller's active transaction. It
// never opens its own: if tx rolls back, the event row rolls back with it, so
// business state and the fact that an event should be published change
// together or not at all.
func (l *Ledger) Append(tx *gorm.DB, tenantID, eventType, eventName string, payload any, correlationID string) (*domain.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload for %s: %w", eventName, err)
	}

	now := l.now().UTC()
	event := &domain.Event{
		ID:            l.ids.GenerateID(),
		TenantID:      tenantID,
		EventType:     eventType,
		EventName:     eventName,
		Payload:       data,
		CorrelationID: correlationID,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.repo.Append(tx, event); err != nil {
		return nil, fmt.Errorf("append outbox event %s: %w", eventName, err)
	}
	return event, nil
}
