package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zenamanage/writepath/internal/auth"
	domain "github.com/zenamanage/writepath/internal/domain/idempotency"
	"github.com/zenamanage/writepath/internal/idempotency"
)

// memoryRecordRepo gives the guard a working store without a database.
type memoryRecordRepo struct {
	mu      sync.Mutex
	records map[string]*domain.Record
}

func newMemoryRecordRepo() *memoryRecordRepo {
	return &memoryRecordRepo{records: make(map[string]*domain.Record)}
}

func (m *memoryRecordRepo) ClaimPending(_ context.Context, rec *domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.ScopeKey]; ok && existing.ExpiresAt.After(rec.CreatedAt) {
		return domain.ErrDuplicateKey
	}
	cp := *rec
	m.records[rec.ScopeKey] = &cp
	return nil
}

func (m *memoryRecordRepo) FindByScopeKey(_ context.Context, scopeKey string) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[scopeKey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memoryRecordRepo) Complete(_ context.Context, scopeKey string, snap domain.Snapshot, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[scopeKey]
	if !ok || rec.Status != domain.StatusPending {
		return domain.ErrNotFound
	}
	rec.Status = domain.StatusCompleted
	rec.Response = snap
	rec.ExpiresAt = expiresAt
	return nil
}

func (m *memoryRecordRepo) DeleteClaim(_ context.Context, scopeKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, scopeKey)
	return nil
}

func (m *memoryRecordRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
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

func setIdentity(id auth.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("identity", id)
		c.Next()
	}
}

func newIdempotentRouter(t *testing.T, handler gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	guard := idempotency.NewGuard(newMemoryRecordRepo(), idempotency.Config{}, zap.NewNop())

	engine := gin.New()
	engine.Use(setIdentity(auth.Identity{UserID: "u1", TenantID: "t1", Role: auth.RoleMember}))
	engine.POST("/api/v1/tasks", Idempotent(guard), handler)
	return engine
}

func postTask(engine *gin.Engine, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestIdempotent_MissingKeyIsRejected(t *testing.T) {
	var calls int32
	engine := newIdempotentRouter(t, func(c *gin.Context) {
		atomic.AddInt32(&calls, 1)
		c.JSON(http.StatusCreated, gin.H{"id": 1})
	})

	w := postTask(engine, "", `{"title":"a"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "IDEMPOTENCY_KEY_REQUIRED")
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "handler must not run without a key")
}

func TestIdempotent_FreshThenReplay(t *testing.T) {
	var calls int32
	engine := newIdempotentRouter(t, func(c *gin.Context) {
		atomic.AddInt32(&calls, 1)
		c.Header("Location", "/api/v1/tasks/42")
		c.JSON(http.StatusCreated, gin.H{"id": 42})
	})

	first := postTask(engine, "k1", `{"title":"a"}`)
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, "miss", first.Header().Get(HeaderCache))
	assert.Equal(t, "false", first.Header().Get(HeaderReplayed))

	second := postTask(engine, "k1", `{"title":"a"}`)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "hit", second.Header().Get(HeaderCache))
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "/api/v1/tasks/42", second.Header().Get("Location"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "the write must execute once")
}

func TestIdempotent_WhitespaceInsensitiveFingerprint(t *testing.T) {
	var calls int32
	engine := newIdempotentRouter(t, func(c *gin.Context) {
		atomic.AddInt32(&calls, 1)
		c.JSON(http.StatusCreated, gin.H{"id": 1})
	})

	first := postTask(engine, "k1", `{"title":"a"}`)
	require.Equal(t, http.StatusCreated, first.Code)

	// Same JSON, different formatting: still a replay, not a conflict.
	second := postTask(engine, "k1", "{\n  \"title\": \"a\"\n}")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "hit", second.Header().Get(HeaderCache))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestIdempotent_KeyReuseWithDifferentBodyConflicts(t *testing.T) {
	engine := newIdempotentRouter(t, func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"id": 1})
	})

	first := postTask(engine, "k1", `{"title":"a"}`)
	require.Equal(t, http.StatusCreated, first.Code)

	second := postTask(engine, "k1", `{"title":"b"}`)
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Contains(t, second.Body.String(), "IDEMPOTENCY_KEY_CONFLICT")
}

func TestIdempotent_ServerErrorIsNotRecorded(t *testing.T) {
	var calls int32
	engine := newIdempotentRouter(t, func(c *gin.Context) {
		if atomic.AddInt32(&calls, 1) == 1 {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "transient"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": 7})
	})

	first := postTask(engine, "k1", `{"title":"a"}`)
	assert.Equal(t, http.StatusInternalServerError, first.Code)
	// Exactly one copy of the error body reaches the wire.
	assert.Equal(t, `{"error":"transient"}`, first.Body.String())

	// The failed attempt left no snapshot; the retry reaches the handler.
	second := postTask(engine, "k1", `{"title":"a"}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "miss", second.Header().Get(HeaderCache))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIdempotent_ClientErrorIsReplayable(t *testing.T) {
	var calls int32
	engine := newIdempotentRouter(t, func(c *gin.Context) {
		atomic.AddInt32(&calls, 1)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "title too long"})
	})

	first := postTask(engine, "k1", `{"title":"a"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, first.Code)

	// Validation outcomes are deterministic; replaying them avoids re-running
	// the handler.
	second := postTask(engine, "k1", `{"title":"a"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, second.Code)
	assert.Equal(t, "hit", second.Header().Get(HeaderCache))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestIdempotent_KeysAreScopedPerActor(t *testing.T) {
	var calls int32
	handler := func(c *gin.Context) {
		atomic.AddInt32(&calls, 1)
		c.JSON(http.StatusCreated, gin.H{"id": 1})
	}

	gin.SetMode(gin.TestMode)
	guard := idempotency.NewGuard(newMemoryRecordRepo(), idempotency.Config{}, zap.NewNop())

	engine := gin.New()
	engine.POST("/api/v1/tasks", func(c *gin.Context) {
		// Identity comes from the test header so two actors can share a key.
		c.Set("identity", auth.Identity{UserID: c.GetHeader("X-Test-User"), TenantID: "t1", Role: auth.RoleMember})
	}, Idempotent(guard), handler)

	post := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBufferString(`{"title":"a"}`))
		req.Header.Set(HeaderIdempotencyKey, "shared-key")
		req.Header.Set("X-Test-User", user)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusCreated, post("u1").Code)
	require.Equal(t, http.StatusCreated, post("u2").Code)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "the same key under different actors is two distinct writes")
}
