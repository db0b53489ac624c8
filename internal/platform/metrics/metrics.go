// Package metrics registers the pipeline's Prometheus metrics. A nil
// *Metrics is valid everywhere and records nothing, which keeps unit tests
// free of registry collisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	eventsProcessed      *prometheus.CounterVec
	eventsMalformed      prometheus.Counter
	duplicatesSuppressed prometheus.Counter
	recordsQuarantined   prometheus.Counter
	auditAppends         prometheus.Counter
	auditDeadLetters     prometheus.Counter
	entriesPurged        prometheus.Counter
	notificationsSent    prometheus.Counter
	notificationRetries  prometheus.Counter
	notificationsDead    prometheus.Counter
	rolesAssigned        prometheus.Counter
	handleDuration       prometheus.Histogram
}

// New creates and registers all pipeline metrics.
func New() *Metrics {
	return &Metrics{
		eventsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "medicore_events_processed_total",
			Help: "Events that reached a terminal pipeline state, by type",
		}, []string{"type"}),
		eventsMalformed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medicore_events_malformed_total",
			Help: "Events discarded as uninterpretable",
		}),
		duplicatesSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medicore_events_duplicate_total",
			Help: "Redelivered events suppressed by the idempotency guard",
		}),
		recordsQuarantined: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medicore_records_quarantined_total",
			Help: "Clinical records quarantined by the permission validator",
		}),
		auditAppends: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medicore_audit_appends_total",
			Help: "Audit entries appended",
		}),
		auditDeadLetters: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medicore_audit_dead_letters_total",
			Help: "Events parked after audit writes exhausted retries",
		}),
		entriesPurged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medicore_retention_purged_total",
			Help: "Entries deleted by the retention purger",
		}),
		notificationsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medicore_notifications_sent_total",
			Help: "Notifications delivered through the outbound transport",
		}),
		notificationRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medicore_notification_retries_total",
			Help: "Notification delivery attempts beyond the first",
		}),
		notificationsDead: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medicore_notifications_dead_lettered_total",
			Help: "Notifications dead-lettered after delivery exhaustion",
		}),
		rolesAssigned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medicore_roles_assigned_total",
			Help: "Default roles assigned to new identities",
		}),
		handleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "medicore_event_handle_duration_seconds",
			Help:    "End-to-end latency of pipeline event handling",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) IncEventsProcessed(eventType string) {
	if m != nil {
		m.eventsProcessed.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) IncEventsMalformed() {
	if m != nil {
		m.eventsMalformed.Inc()
	}
}

func (m *Metrics) IncDuplicatesSuppressed() {
	if m != nil {
		m.duplicatesSuppressed.Inc()
	}
}

func (m *Metrics) IncRecordsQuarantined() {
	if m != nil {
		m.recordsQuarantined.Inc()
	}
}

func (m *Metrics) IncAuditAppends() {
	if m != nil {
		m.auditAppends.Inc()
	}
}

func (m *Metrics) IncAuditDeadLetters() {
	if m != nil {
		m.auditDeadLetters.Inc()
	}
}

func (m *Metrics) AddEntriesPurged(n float64) {
	if m != nil {
		m.entriesPurged.Add(n)
	}
}

func (m *Metrics) IncNotificationsSent() {
	if m != nil {
		m.notificationsSent.Inc()
	}
}

func (m *Metrics) IncNotificationRetries() {
	if m != nil {
		m.notificationRetries.Inc()
	}
}

func (m *Metrics) IncNotificationsDeadLettered() {
	if m != nil {
		m.notificationsDead.Inc()
	}
}

func (m *Metrics) IncRolesAssigned() {
	if m != nil {
		m.rolesAssigned.Inc()
	}
}

func (m *Metrics) ObserveHandleDuration(seconds float64) {
	if m != nil {
		m.handleDuration.Observe(seconds)
	}
}
