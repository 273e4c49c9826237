// Package metrics holds the Prometheus instruments for the delivery pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_events_emitted_total",
			Help: "Total number of events accepted by Emit.",
		},
		[]string{"event_type"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_deliveries_total",
			Help: "Total number of deliveries reaching a terminal state, by status.",
		},
		[]string{"status"}, // success, failed
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_attempts_total",
			Help: "Total number of HTTP delivery attempts, by outcome.",
		},
		[]string{"outcome"}, // ok, http_4xx, http_5xx, timeout, network, ...
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_retries_total",
			Help: "Total number of scheduled retries, by failure reason.",
		},
		[]string{"reason"},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_dead_letters_total",
			Help: "Total number of dead-letter envelopes published.",
		},
	)

	AttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookrelay_attempt_duration_seconds",
			Help:    "Latency of webhook HTTP attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)

	DueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookrelay_due_backlog",
			Help: "Deliveries found due in the most recent scheduler sweep.",
		},
	)

	RetentionDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_retention_deleted_total",
			Help: "Terminal deliveries removed by the retention sweep.",
		},
	)
)

// MustRegister registers all hookrelay collectors on reg.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsEmittedTotal,
		DeliveriesTotal,
		AttemptsTotal,
		RetriesTotal,
		DeadLettersTotal,
		AttemptDuration,
		DueBacklog,
		RetentionDeletedTotal,
	)
}

// RecordEmit counts one accepted event.
func RecordEmit(eventType string) {
	EventsEmittedTotal.WithLabelValues(eventType).Inc()
}

// RecordAttempt counts one HTTP attempt and its latency.
func RecordAttempt(outcome string, latency time.Duration) {
	AttemptsTotal.WithLabelValues(outcome).Inc()
	AttemptDuration.Observe(latency.Seconds())
}

// RecordTerminal counts one delivery reaching success or failed.
func RecordTerminal(status string) {
	DeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordRetry counts one scheduled retry.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}
