package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// RecordStatus represents the lifecycle state of an idempotency record.
type RecordStatus string

const (
	// StatusPending marks a claim held while the wrapped operation runs.
	StatusPending RecordStatus = "pending"
	// StatusCompleted marks a record whose response snapshot is replayable.
	StatusCompleted RecordStatus = "completed"
)

var (
	ErrDuplicateKey = errors.New("idempotency record already exists for scope key")
	ErrNotFound     = errors.New("idempotency record not found")
)

// Record is the core domain entity for a deduplicated write.
// It contains no database tags or infrastructure details.
type Record struct {
	ScopeKey    string       `json:"scope_key"`
	Fingerprint string       `json:"fingerprint"`
	Status      RecordStatus `json:"status"`
	Response    Snapshot     `json:"response"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// Snapshot is the stored response replayed byte-for-byte on a duplicate
// submission within the replay window.
type Snapshot struct {
	StatusCode  int               `json:"status_code"`
	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body"`
}

// Expired reports whether the record's replay window has passed.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ScopeKey builds the composite key scoping an idempotency key to the tenant,
// actor and route it was submitted on. Two tenants reusing the same literal
// key never collide.
func ScopeKey(tenantID, actorID, method, route, key string) string {
	return strings.Join([]string{tenantID, actorID, method, route, key}, "|")
}

// Fingerprint hashes a normalized request body so that reuse of a key with a
// different payload is detectable.
func Fingerprint(method, route string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(route))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
