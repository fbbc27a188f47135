package outbox

import (
	"context"

	domain "github.com/zenamanage/writepath/internal/domain/outbox"
)

// Publisher delivers a claimed event to the external sink. The sink is an
// external collaborator; delivery is at-least-once and consumers are expected
// to be idempotent.
type Publisher interface {
	Publish(ctx context.Context, event *domain.Event) error
}
