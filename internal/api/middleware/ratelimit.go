package middleware

import (
	"fmt"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zenamanage/writepath/internal/apperr"
	"github.com/zenamanage/writepath/internal/auth"
	"github.com/zenamanage/writepath/internal/ratelimit"
)

// LoadProvider reports the current system load measure (>= 0). Higher values
// shrink every effective budget.
type LoadProvider func() float64

// RateLimit admits or rejects the request before any other work happens.
// Rejections carry Retry-After plus the current limit and remaining budget.
func RateLimit(limiter *ratelimit.Limiter, class string, load LoadProvider) gin.HandlerFunc {
	if load == nil {
		load = func() float64 { return 0 }
	}
	return func(c *gin.Context) {
		id := auth.IdentityFromContext(c)

		decision := limiter.Check(c.Request.Context(), id, class, load())

		c.Writer.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
		c.Writer.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))

		if decision.Allowed {
			rateLimitDecisions.WithLabelValues(class, "allowed").Inc()
			c.Next()
			return
		}

		rateLimitDecisions.WithLabelValues(class, "rejected").Inc()
		retryAfterSecs := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retryAfterSecs < 1 {
			retryAfterSecs = 1
		}
		c.Writer.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))

		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       string(apperr.CodeRateLimitExceeded),
			"limit":       decision.Limit,
			"remaining":   decision.Remaining,
			"retry_after": retryAfterSecs,
		})
	}
}
