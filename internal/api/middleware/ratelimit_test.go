package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zenamanage/writepath/internal/adapter/counterstore/memory"
	"github.com/zenamanage/writepath/internal/auth"
	"github.com/zenamanage/writepath/internal/ratelimit"
)

func newLimitedRouter(t *testing.T, rpm int, id auth.Identity, load LoadProvider) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	limiter, err := ratelimit.New(memory.New(), ratelimit.Config{
		Classes: map[string]ratelimit.ClassConfig{
			"api": {
				Strategy:          ratelimit.StrategyFixedWindow,
				RequestsPerMinute: rpm,
				WindowSeconds:     60,
				Multiplier:        1.0,
			},
		},
		RoleMultipliers: map[auth.Role]float64{
			auth.RoleAnonymous: 0.5,
			auth.RoleMember:    1.0,
		},
	}, zap.NewNop())
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(setIdentity(id))
	engine.GET("/api/v1/tasks", RateLimit(limiter, "api", load), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return engine
}

func getTasks(engine *gin.Engine) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestRateLimit_AdmitsWithinBudget(t *testing.T) {
	engine := newLimitedRouter(t, 3, auth.Identity{UserID: "u1", Role: auth.RoleMember}, nil)

	for i := 0; i < 3; i++ {
		w := getTasks(engine)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimit_RejectsOverBudget(t *testing.T) {
	engine := newLimitedRouter(t, 2, auth.Identity{UserID: "u1", Role: auth.RoleMember}, nil)

	getTasks(engine)
	getTasks(engine)
	w := getTasks(engine)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
}

func TestRateLimit_LoadShrinksLimitHeader(t *testing.T) {
	idle := newLimitedRouter(t, 100, auth.Identity{UserID: "u1", Role: auth.RoleMember}, nil)
	busy := newLimitedRouter(t, 100, auth.Identity{UserID: "u1", Role: auth.RoleMember}, func() float64 { return 1 })

	assert.Equal(t, "100", getTasks(idle).Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "50", getTasks(busy).Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_AnonymousGetsReducedBudget(t *testing.T) {
	engine := newLimitedRouter(t, 100, auth.Identity{Role: auth.RoleAnonymous, IP: "203.0.113.9"}, nil)

	w := getTasks(engine)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "50", w.Header().Get("X-RateLimit-Limit"))
}
