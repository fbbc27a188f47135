package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/zenamanage/writepath/internal/domain/outbox"
	"github.com/zenamanage/writepath/pkg/snowflake"
)

func TestLedger_Append_BuildsPendingEvent(t *testing.T) {
	repo := newMockOutboxRepo()
	ids, err := snowflake.NewNode()
	require.NoError(t, err)
	ledger := NewLedger(repo, ids)

	payload := map[string]any{"task_id": 42, "title": "ship it"}
	event, err := ledger.Append(nil, "t1", "TaskCreated", "task.created", payload, "corr-7")
	require.NoError(t, err)

	assert.NotZero(t, event.ID)
	assert.Equal(t, "t1", event.TenantID)
	assert.Equal(t, "TaskCreated", event.EventType)
	assert.Equal(t, "task.created", event.EventName)
	assert.Equal(t, "corr-7", event.CorrelationID)
	assert.Equal(t, domain.StatusPending, event.Status)
	assert.JSONEq(t, `{"task_id":42,"title":"ship it"}`, string(event.Payload))

	stored := repo.get(event.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestLedger_Append_RejectsUnmarshalablePayload(t *testing.T) {
	repo := newMockOutboxRepo()
	ids, err := snowflake.NewNode()
	require.NoError(t, err)
	ledger := NewLedger(repo, ids)

	_, err = ledger.Append(nil, "t1", "TaskCreated", "task.created", make(chan int), "corr-7")
	assert.Error(t, err)

	events, err := repo.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events, "nothing must be appended when marshaling fails")
}
