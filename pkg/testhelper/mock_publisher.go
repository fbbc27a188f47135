package testhelper

import (
	"context"
	"sync"

	outbox "github.com/zenamanage/writepath/internal/domain/outbox"
)

// MockPublisher records published events and can simulate a down sink.
type MockPublisher struct {
	mu        sync.Mutex
	published []outbox.Event
	failWith  error
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// FailWith makes every subsequent Publish return err; nil restores success.
func (m *MockPublisher) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MockPublisher) Publish(_ context.Context, event *outbox.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.published = append(m.published, *event)
	return nil
}

// Published returns a copy of everything delivered so far.
func (m *MockPublisher) Published() []outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]outbox.Event, len(m.published))
	copy(out, m.published)
	return out
}
