package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zenamanage/writepath/internal/apperr"
	domain "github.com/zenamanage/writepath/internal/domain/idempotency"
)

// mockRecordRepo is a thread-safe in-memory repository for testing.
type mockRecordRepo struct {
	mu       sync.Mutex
	records  map[string]*domain.Record
	failWith error
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{records: make(map[string]*domain.Record)}
}

func (m *mockRecordRepo) ClaimPending(_ context.Context, rec *domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if existing, ok := m.records[rec.ScopeKey]; ok && existing.ExpiresAt.After(rec.CreatedAt) {
		return domain.ErrDuplicateKey
	}
	cp := *rec
	m.records[rec.ScopeKey] = &cp
	return nil
}

func (m *mockRecordRepo) FindByScopeKey(_ context.Context, scopeKey string) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	rec, ok := m.records[scopeKey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *mockRecordRepo) Complete(_ context.Context, scopeKey string, snap domain.Snapshot, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	rec, ok := m.records[scopeKey]
	if !ok || rec.Status != domain.StatusPending {
		return domain.ErrNotFound
	}
	rec.Status = domain.StatusCompleted
	rec.Response = snap
	rec.ExpiresAt = expiresAt
	return nil
}

func (m *mockRecordRepo) DeleteClaim(_ context.Context, scopeKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, scopeKey)
	return nil
}

func (m *mockRecordRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, rec := range m.records {
		if !now.Before(rec.ExpiresAt) {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}

func newTestGuard(repo domain.Repository) *Guard {
	return NewGuard(repo, Config{
		ReplayWindow: 10 * time.Minute,
		PollInterval: 2 * time.Millisecond,
		PollDeadline: 500 * time.Millisecond,
	}, zap.NewNop())
}

func okSnapshot(body string) domain.Snapshot {
	return domain.Snapshot{StatusCode: 201, ContentType: "application/json", Body: []byte(body)}
}

func TestGuard_Execute_RunsOperationOnce(t *testing.T) {
	repo := newMockRecordRepo()
	g := newTestGuard(repo)

	var calls int32
	op := func(ctx context.Context) (domain.Snapshot, error) {
		atomic.AddInt32(&calls, 1)
		return okSnapshot(`{"id":42}`), nil
	}

	out, err := g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp1", op)
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, 201, out.Response.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGuard_Execute_ReplaysCompletedRecord(t *testing.T) {
	repo := newMockRecordRepo()
	g := newTestGuard(repo)

	var calls int32
	op := func(ctx context.Context) (domain.Snapshot, error) {
		atomic.AddInt32(&calls, 1)
		return okSnapshot(`{"id":42}`), nil
	}

	first, err := g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp1", op)
	require.NoError(t, err)

	second, err := g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp1", op)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Response.Body, second.Response.Body)
	assert.Equal(t, first.Response.StatusCode, second.Response.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "operation must not run twice")
}

func TestGuard_Execute_FingerprintMismatchIsConflict(t *testing.T) {
	repo := newMockRecordRepo()
	g := newTestGuard(repo)

	_, err := g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp1", func(ctx context.Context) (domain.Snapshot, error) {
		return okSnapshot(`{}`), nil
	})
	require.NoError(t, err)

	_, err = g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp2", func(ctx context.Context) (domain.Snapshot, error) {
		t.Fatal("operation must not run on a key conflict")
		return domain.Snapshot{}, nil
	})
	assert.ErrorIs(t, err, apperr.ErrIdempotencyKeyConflict)
}

func TestGuard_Execute_ExpiredKeyIsReusable(t *testing.T) {
	repo := newMockRecordRepo()
	g := newTestGuard(repo)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return base })

	var calls int32
	op := func(ctx context.Context) (domain.Snapshot, error) {
		atomic.AddInt32(&calls, 1)
		return okSnapshot(`{"id":1}`), nil
	}

	_, err := g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp1", op)
	require.NoError(t, err)

	// Past the replay window the same key executes fresh, even with a
	// different payload.
	g.SetClock(func() time.Time { return base.Add(11 * time.Minute) })

	out, err := g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp2", op)
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGuard_Execute_FailedOperationStaysRetryable(t *testing.T) {
	repo := newMockRecordRepo()
	g := newTestGuard(repo)

	opErr := errors.New("downstream write failed")
	_, err := g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp1", func(ctx context.Context) (domain.Snapshot, error) {
		return domain.Snapshot{}, opErr
	})
	assert.ErrorIs(t, err, opErr)

	// The failed attempt left no record behind; the retry executes fresh.
	out, err := g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp1", func(ctx context.Context) (domain.Snapshot, error) {
		return okSnapshot(`{"id":7}`), nil
	})
	require.NoError(t, err)
	assert.False(t, out.Replayed)
}

func TestGuard_Execute_PanickingOperationStaysRetryable(t *testing.T) {
	repo := newMockRecordRepo()
	g := newTestGuard(repo)

	// A panic unwinding out of the operation (the HTTP layer's recovery
	// middleware catches it above us) must not leave the claim pending.
	func() {
		defer func() {
			require.NotNil(t, recover(), "operation panic must propagate")
		}()
		_, _ = g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp1", func(ctx context.Context) (domain.Snapshot, error) {
			panic("handler blew up")
		})
	}()

	var calls int32
	out, err := g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp1", func(ctx context.Context) (domain.Snapshot, error) {
		atomic.AddInt32(&calls, 1)
		return okSnapshot(`{"id":3}`), nil
	})
	require.NoError(t, err)
	assert.False(t, out.Replayed, "retry after a panic must execute fresh, not wait on the dead claim")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGuard_Execute_ConcurrentCallersAtMostOnce(t *testing.T) {
	repo := newMockRecordRepo()
	g := newTestGuard(repo)

	var calls int32
	op := func(ctx context.Context) (domain.Snapshot, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return okSnapshot(`{"id":9}`), nil
	}

	const workers = 8
	outcomes := make([]*Outcome, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp1", op)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "operation must run exactly once")

	replayed := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, outcomes[i])
		assert.Equal(t, []byte(`{"id":9}`), outcomes[i].Response.Body)
		if outcomes[i].Replayed {
			replayed++
		}
	}
	assert.Equal(t, workers-1, replayed, "exactly one caller executes, the rest replay")
}

func TestGuard_Execute_PendingClaimTimesOut(t *testing.T) {
	repo := newMockRecordRepo()
	g := NewGuard(repo, Config{
		ReplayWindow: 10 * time.Minute,
		PollInterval: 2 * time.Millisecond,
		PollDeadline: 10 * time.Millisecond,
	}, zap.NewNop())

	// A claim held by a caller that never finishes.
	require.NoError(t, repo.ClaimPending(context.Background(), &domain.Record{
		ScopeKey:    "t1|u1|POST|/tasks|k1",
		Fingerprint: "fp1",
		Status:      domain.StatusPending,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}))

	_, err := g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp1", func(ctx context.Context) (domain.Snapshot, error) {
		t.Fatal("operation must not run while another claim is pending")
		return domain.Snapshot{}, nil
	})
	assert.ErrorIs(t, err, apperr.ErrIdempotencyKeyConflict)
}

func TestGuard_Execute_StoreFailureRefuses(t *testing.T) {
	repo := newMockRecordRepo()
	repo.failWith = errors.New("connection refused")
	g := newTestGuard(repo)

	_, err := g.Execute(context.Background(), "t1|u1|POST|/tasks|k1", "fp1", func(ctx context.Context) (domain.Snapshot, error) {
		t.Fatal("operation must not run when the record store is down")
		return domain.Snapshot{}, nil
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeCounterStoreUnavailable, apperr.CodeOf(err))
}

func TestGuard_PruneExpired(t *testing.T) {
	repo := newMockRecordRepo()
	g := newTestGuard(repo)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return base })

	for _, key := range []string{"k1", "k2"} {
		_, err := g.Execute(context.Background(), key, "fp", func(ctx context.Context) (domain.Snapshot, error) {
			return okSnapshot(`{}`), nil
		})
		require.NoError(t, err)
	}

	g.SetClock(func() time.Time { return base.Add(11 * time.Minute) })
	n, err := g.PruneExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestScopeKey_IsolatesTenants(t *testing.T) {
	a := domain.ScopeKey("tenant-a", "user:1", "POST", "/api/v1/tasks", "k1")
	b := domain.ScopeKey("tenant-b", "user:1", "POST", "/api/v1/tasks", "k1")
	assert.NotEqual(t, a, b)
}

func TestFingerprint_SensitiveToBody(t *testing.T) {
	a := domain.Fingerprint("POST", "/api/v1/tasks", []byte(`{"title":"a"}`))
	b := domain.Fingerprint("POST", "/api/v1/tasks", []byte(`{"title":"b"}`))
	same := domain.Fingerprint("POST", "/api/v1/tasks", []byte(`{"title":"a"}`))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, same)
}
