package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zenamanage/writepath/internal/api/middleware"
	"github.com/zenamanage/writepath/internal/auth"
	"github.com/zenamanage/writepath/internal/config"
	"github.com/zenamanage/writepath/internal/idempotency"
	"github.com/zenamanage/writepath/internal/outbox"
	"github.com/zenamanage/writepath/internal/ratelimit"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Router struct {
	engine     *gin.Engine
	server     *http.Server
	cfg        *config.Config
	db         *gorm.DB
	limiter    *ratelimit.Limiter
	guard      *idempotency.Guard
	ledger     *outbox.Ledger
	dispatcher *outbox.Dispatcher
	authMW     *auth.Middleware
	logger     *zap.Logger
}

func NewRouter(
	cfg *config.Config,
	db *gorm.DB,
	limiter *ratelimit.Limiter,
	guard *idempotency.Guard,
	ledger *outbox.Ledger,
	dispatcher *outbox.Dispatcher,
	authMW *auth.Middleware,
	logger *zap.Logger,
) *Router {
	// Disable GIN default logger
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Metrics())
	r.Use(middleware.Logger(logger))

	api := &Router{
		engine:     r,
		cfg:        cfg,
		db:         db,
		limiter:    limiter,
		guard:      guard,
		ledger:     ledger,
		dispatcher: dispatcher,
		authMW:     authMW,
		logger:     logger,
	}

	api.RegisterRoutes()
	return api
}

func (r *Router) RegisterRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Prometheus metrics endpoint
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Write pipeline routes. The surrounding CRUD surface lives in another
	// service; these exercise the limiter -> guard -> tx+outbox chain.
	api := r.engine.Group("/api/v1")
	api.Use(r.authMW.Handler())
	api.Use(middleware.RateLimit(r.limiter, "api", nil))
	{
		api.POST("/tasks", middleware.Idempotent(r.guard), r.CreateTask)
	}

	// Admin Routes (Protected by ADMIN_API_TOKEN)
	admin := r.engine.Group("/admin")
	admin.Use(r.adminAuth())
	{
		admin.GET("/ratelimit/configs", r.ListRateLimitConfigs)
		admin.GET("/ratelimit/configs/:class", r.GetRateLimitConfig)
		admin.PUT("/ratelimit/configs/:class", r.UpdateRateLimitConfig)
		admin.GET("/ratelimit/stats", r.RateLimitStats)
		admin.DELETE("/ratelimit/identities/:identity", r.ClearRateLimitIdentity)

		admin.GET("/outbox/metrics", r.OutboxMetrics)
		admin.POST("/outbox/retry", r.RetryFailedOutbox)
	}
}

// Engine exposes the handler for httptest.
func (r *Router) Engine() http.Handler {
	return r.engine
}

func (r *Router) Run() error {
	r.server = &http.Server{
		Addr:         ":" + r.cfg.Port,
		Handler:      r.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return r.server.ListenAndServe()
}

func (r *Router) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(r.cfg.AdminAPIToken)
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_token_not_configured"})
			return
		}

		provided := strings.TrimSpace(c.GetHeader("X-Admin-Token"))
		if provided == "" {
			authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				provided = strings.TrimSpace(authHeader[7:])
			}
		}

		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Shutdown gracefully shuts down the HTTP server
func (r *Router) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}
