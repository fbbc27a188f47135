package outbox

import "time"

// EventStatus represents the delivery state of an outbox event.
type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
)

// Event is the durable record of a domain event awaiting publication.
// A row exists iff the business transaction that produced it committed.
type Event struct {
	ID            int64       `json:"id,string"`
	TenantID      string      `json:"tenant_id"`
	EventType     string      `json:"event_type"`
	EventName     string      `json:"event_name"`
	Payload       []byte      `json:"payload"`
	CorrelationID string      `json:"correlation_id"`
	Status        EventStatus `json:"status"`
	RetryCount    int         `json:"retry_count"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	ProcessedAt   *time.Time  `json:"processed_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// HealthStatus is the summarized condition of the outbox backlog.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// Metrics aggregates outbox state for operators. A growing pending backlog or
// rising failed count is detectable here without inspecting raw rows.
type Metrics struct {
	Total            int64         `json:"total"`
	Pending          int64         `json:"pending"`
	Processing       int64         `json:"processing"`
	Completed        int64         `json:"completed"`
	Failed           int64         `json:"failed"`
	OldestPendingAge time.Duration `json:"oldest_pending_age_ns"`
	Health           HealthStatus  `json:"health_status"`
}

const (
	degradedFailureRatio = 0.10
	criticalFailureRatio = 0.25
	degradedBacklogAge   = 5 * time.Minute
	criticalBacklogAge   = 15 * time.Minute
)

// ResolveHealth derives the health status from the failure ratio and the age
// of the oldest pending row.
func ResolveHealth(total, failed int64, oldestPending time.Duration) HealthStatus {
	var ratio float64
	if total > 0 {
		ratio = float64(failed) / float64(total)
	}

	switch {
	case ratio >= criticalFailureRatio || oldestPending >= criticalBacklogAge:
		return HealthCritical
	case ratio >= degradedFailureRatio || oldestPending >= degradedBacklogAge:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}
