package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zenamanage/writepath/internal/apperr"
	"github.com/zenamanage/writepath/internal/auth"
	domain "github.com/zenamanage/writepath/internal/domain/idempotency"
	"github.com/zenamanage/writepath/internal/idempotency"
)

const (
	// HeaderIdempotencyKey is the caller-supplied key scoping a logical
	// write so repeated submissions are deduplicated.
	HeaderIdempotencyKey = "Idempotency-Key"

	// HeaderCache signals hit/miss; HeaderReplayed signals whether the body
	// came from a stored snapshot. Both are part of the observable contract.
	HeaderCache    = "X-Idempotency-Cache"
	HeaderReplayed = "X-Idempotency-Replayed"
)

// Replay headers worth restoring on a cache hit; everything else is
// per-response transport detail.
var snapshotHeaders = []string{"Location"}

// Idempotent wraps a critical write route in the guard. The key header is
// mandatory here: its absence refuses the request before any business logic
// runs, because silently tolerating it would risk duplicated writes.
func Idempotent(guard *idempotency.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" {
			idempotencyOutcomes.WithLabelValues("key_missing").Inc()
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": string(apperr.CodeIdempotencyKeyRequired),
			})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		id := auth.IdentityFromContext(c)
		route := c.FullPath()
		scopeKey := domain.ScopeKey(id.TenantID, id.ActorKey(), c.Request.Method, route, key)
		fingerprint := domain.Fingerprint(c.Request.Method, route, normalizeBody(body))

		// Set optimistically before the handler streams its response; the
		// replay path overwrites them before writing anything.
		c.Writer.Header().Set(HeaderCache, "miss")
		c.Writer.Header().Set(HeaderReplayed, "false")

		outcome, err := guard.Execute(c.Request.Context(), scopeKey, fingerprint, func(ctx context.Context) (domain.Snapshot, error) {
			return runAndCapture(c, body)
		})
		if err != nil {
			writeGuardError(c, err)
			return
		}

		writeOutcome(c, outcome)
	}
}

// runAndCapture executes the downstream handler against a recording writer
// and returns the snapshot to persist.
func runAndCapture(c *gin.Context, body []byte) (domain.Snapshot, error) {
	rec := &recordingWriter{ResponseWriter: c.Writer, buf: &bytes.Buffer{}}
	original := c.Writer
	c.Writer = rec
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	c.Next()

	c.Writer = original

	status := rec.Status()
	if status >= http.StatusInternalServerError {
		// Server-side failures stay retryable under the same key.
		return domain.Snapshot{}, &executionError{status: status}
	}

	headers := make(map[string]string)
	for _, h := range snapshotHeaders {
		if v := rec.Header().Get(h); v != "" {
			headers[h] = v
		}
	}

	return domain.Snapshot{
		StatusCode:  status,
		ContentType: rec.Header().Get("Content-Type"),
		Headers:     headers,
		Body:        rec.buf.Bytes(),
	}, nil
}

func writeOutcome(c *gin.Context, outcome *idempotency.Outcome) {
	snap := outcome.Response

	if outcome.Replayed {
		idempotencyOutcomes.WithLabelValues("replay").Inc()
		c.Writer.Header().Set(HeaderCache, "hit")
		c.Writer.Header().Set(HeaderReplayed, "true")
		if snap.ContentType != "" {
			c.Writer.Header().Set("Content-Type", snap.ContentType)
		}
		for k, v := range snap.Headers {
			c.Writer.Header().Set(k, v)
		}
		c.Writer.WriteHeader(snap.StatusCode)
		_, _ = c.Writer.Write(snap.Body)
		c.Abort()
		return
	}

	// Fresh execution already streamed through the recorder with the miss
	// headers in place.
	idempotencyOutcomes.WithLabelValues("fresh").Inc()
}

func writeGuardError(c *gin.Context, err error) {
	var execErr *executionError
	if errors.As(err, &execErr) {
		// The handler's failure response already streamed through the
		// recorder; writing anything more would duplicate it on the wire.
		c.Abort()
		return
	}

	switch {
	case errors.Is(err, apperr.ErrIdempotencyKeyConflict):
		idempotencyOutcomes.WithLabelValues("conflict").Inc()
	case errors.Is(err, apperr.ErrCounterStoreUnavailable):
		idempotencyOutcomes.WithLabelValues("store_unavailable").Inc()
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{
		"error": string(apperr.CodeOf(err)),
	})
}

// executionError marks a failed downstream response already streamed to the
// client, so the guard skips recording it for replay.
type executionError struct {
	status int
}

func (e *executionError) Error() string {
	return http.StatusText(e.status)
}

// recordingWriter tees the response body while suppressing nothing: the
// client receives bytes as they are written.
type recordingWriter struct {
	gin.ResponseWriter
	buf *bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// normalizeBody re-marshals JSON compactly so fingerprints ignore whitespace
// differences between retries.
func normalizeBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return trimmed
	}
	return buf.Bytes()
}
