package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	domain "github.com/zenamanage/writepath/internal/domain/outbox"
)

// Metrics exports outbox backlog state to Prometheus. Dispatcher failures are
// never surfaced to the original caller, so this surface is how a growing
// backlog or rising failure count gets noticed.
type Metrics struct {
	byStatus         *prometheus.GaugeVec
	oldestPendingAge prometheus.Gauge
	health           *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		byStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "writepath_outbox_events",
			Help: "Outbox events by status.",
		}, []string{"status"}),
		oldestPendingAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "writepath_outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest pending outbox event.",
		}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "writepath_outbox_health",
			Help: "Outbox health status (1 for the active status).",
		}, []string{"status"}),
	}
	reg.MustRegister(m.byStatus, m.oldestPendingAge, m.health)
	return m
}

func (m *Metrics) Observe(stats *domain.Metrics) {
	m.byStatus.WithLabelValues(string(domain.StatusPending)).Set(float64(stats.Pending))
	m.byStatus.WithLabelValues(string(domain.StatusProcessing)).Set(float64(stats.Processing))
	m.byStatus.WithLabelValues(string(domain.StatusCompleted)).Set(float64(stats.Completed))
	m.byStatus.WithLabelValues(string(domain.StatusFailed)).Set(float64(stats.Failed))
	m.oldestPendingAge.Set(stats.OldestPendingAge.Seconds())

	for _, h := range []domain.HealthStatus{domain.HealthHealthy, domain.HealthDegraded, domain.HealthCritical} {
		v := 0.0
		if stats.Health == h {
			v = 1.0
		}
		m.health.WithLabelValues(string(h)).Set(v)
	}
}
