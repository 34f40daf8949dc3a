// Package metrics holds the Prometheus collectors shared by the dispatch
// queue, the delivery recorder and the inbound SMTP server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsProcessed counts job attempts by how they ended.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_queue_jobs_processed_total",
			Help: "Dispatch queue job attempts by result.",
		},
		[]string{
			"result", // "completed", "retried", "failed"
		},
	)

	// QueueJobs reports the last observed queue depth per state.
	QueueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailgate_queue_jobs",
			Help: "Jobs in the dispatch queue by state, as of the last stats read.",
		},
		[]string{"state"},
	)

	// ProviderSend measures a single provider invocation.
	ProviderSend = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailgate_provider_send_duration_seconds",
			Help:    "Duration of one provider send call.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{
			"provider",
			"result", // "ok", "error"
		},
	)

	// DeliveryOutcomes counts outcomes folded into the delivery recorder.
	DeliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_delivery_outcomes_total",
			Help: "Recorded delivery outcomes by provider and result.",
		},
		[]string{
			"provider",
			"result", // "sent", "failed"
		},
	)

	// InboundSessions counts inbound SMTP connections.
	InboundSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailgate_smtp_sessions_total",
			Help: "Inbound SMTP sessions opened.",
		},
	)

	// InboundAuth counts inbound authentication attempts.
	InboundAuth = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_smtp_auth_total",
			Help: "Inbound SMTP authentication attempts by result.",
		},
		[]string{
			"result", // "ok", "badcreds"
		},
	)

	// InboundMessages counts inbound DATA transactions.
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_smtp_messages_total",
			Help: "Inbound SMTP messages by result.",
		},
		[]string{
			"result", // "stored", "toolarge", "timeout", "parseerror", "storeerror"
		},
	)

	// InboundSize observes accepted message sizes.
	InboundSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgate_smtp_message_size_bytes",
			Help:    "Size of accepted inbound messages.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	// APIRequests counts management API requests.
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_api_requests_total",
			Help: "Management API requests by route pattern and status code.",
		},
		[]string{"route", "code"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
