package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zenamanage/writepath/internal/ratelimit"
)

func (r *Router) ListRateLimitConfigs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"classes": r.limiter.Configs()})
}

func (r *Router) GetRateLimitConfig(c *gin.Context) {
	class := c.Param("class")
	cfg, ok := r.limiter.ClassConfigFor(class)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown endpoint class"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"class": class, "config": cfg})
}

func (r *Router) UpdateRateLimitConfig(c *gin.Context) {
	var req ratelimit.ClassConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	class := c.Param("class")
	if err := r.limiter.UpdateConfig(class, req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated", "class": class, "config": req})
}

func (r *Router) RateLimitStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"classes": r.limiter.Stats()})
}

func (r *Router) ClearRateLimitIdentity(c *gin.Context) {
	identity := c.Param("identity")
	if err := r.limiter.ClearIdentity(c.Request.Context(), identity); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "identity": identity})
}

func (r *Router) OutboxMetrics(c *gin.Context) {
	metrics, err := r.dispatcher.GetMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// RetryFailedOutbox is the manual retry trigger for failed events still
// under the retry bound.
func (r *Router) RetryFailedOutbox(c *gin.Context) {
	count, err := r.dispatcher.RetryFailed(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "retry_enqueued", "requeued_count": count})
}
