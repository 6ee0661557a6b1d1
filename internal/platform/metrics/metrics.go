// Package metrics holds the service's Prometheus collectors. Everything is
// registered on an injected registry so tests can run with a private one.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors recorded across the pipeline.
type Metrics struct {
	// NotificationsSent counts successful deliveries by notification type
	// and channel.
	NotificationsSent *prometheus.CounterVec
	// NotificationsFailed counts failed or suppressed deliveries by
	// notification type and reason.
	NotificationsFailed *prometheus.CounterVec
	// ScheduleFires counts scheduler fires by result.
	ScheduleFires *prometheus.CounterVec
	// QueueMessages counts consumed queue messages by queue and verdict.
	QueueMessages *prometheus.CounterVec
	// EmailFeedback counts provider feedback events by type.
	EmailFeedback *prometheus.CounterVec
	// ExecuteDuration observes end-to-end notification execution time.
	ExecuteDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Notifications delivered, by type and channel.",
		}, []string{"type", "channel"}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Notifications failed or suppressed, by type and reason.",
		}, []string{"type", "reason"}),
		ScheduleFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schedule_fires_total",
			Help: "Scheduler fires, by result.",
		}, []string{"result"}),
		QueueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_messages_total",
			Help: "Queue messages consumed, by queue and verdict.",
		}, []string{"queue", "verdict"}),
		EmailFeedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "email_feedback_total",
			Help: "Provider feedback events, by type.",
		}, []string{"type"}),
		ExecuteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "notification_execute_duration_seconds",
			Help:    "End-to-end execution time of a notification fire.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.NotificationsSent,
		m.NotificationsFailed,
		m.ScheduleFires,
		m.QueueMessages,
		m.EmailFeedback,
		m.ExecuteDuration,
	)
	return m
}

// NewRegistry creates a registry pre-loaded with the standard process and Go
// runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler exposes the registry in Prometheus text format.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
