package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zenamanage/writepath/pkg/telemetry/correlation"
)

const (
	// HeaderRequestID is propagated into outbox correlation ids and returned
	// unchanged on both fresh and replayed responses.
	HeaderRequestID = "X-Request-Id"

	ContextRequestID = "request_id"
)

// RequestID accepts the caller's request id or generates one, and seeds the
// request context's correlation id with it.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}

		c.Set(ContextRequestID, rid)
		c.Writer.Header().Set(HeaderRequestID, rid)

		ctx := correlation.ContextWithCorrelationID(c.Request.Context(), rid)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
