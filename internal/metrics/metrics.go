// Package metrics holds the Prometheus collectors of the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
	OutcomeDropped = "dropped"
)

var (
	// SideChannelTotal counts best-effort operations.
	// Labels:
	//   - op: operation name ("publish_job", "graph_project", "image_purge", ...)
	//   - outcome: "success", "failure", "skipped", "dropped"
	SideChannelTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eli_side_channel_total",
			Help: "Best-effort side channel operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	// SideChannelDuration measures best-effort operation latency.
	SideChannelDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eli_side_channel_duration_seconds",
			Help:    "Duration of best-effort side channel operations",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op"},
	)

	// IngestItemsTotal counts webhook items by result.
	// Labels:
	//   - endpoint: "webhook", "legacy_event", "legacy_snapshot"
	//   - result: "processed", "invalid", "error", "unavailable"
	IngestItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eli_ingest_items_total",
			Help: "Ingested items by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	// IngestRequestDuration measures ingest request latency.
	IngestRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eli_ingest_request_duration_seconds",
			Help:    "Duration of ingest requests",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)

	// ImagesArchivedTotal counts image archive attempts.
	// Labels:
	//   - outcome: "success", "failure", "skipped"
	ImagesArchivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eli_images_archived_total",
			Help: "Snapshot image archive attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ImagesPurgedTotal counts deleted archived images.
	ImagesPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eli_images_purged_total",
			Help: "Archived images deleted by retention purges",
		},
	)

	// EnrichmentJobsTotal counts enrichment cycles.
	// Labels:
	//   - outcome: "success", "failure"
	EnrichmentJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eli_enrichment_jobs_total",
			Help: "Enrichment cycles by outcome",
		},
		[]string{"outcome"},
	)

	// DetectionsTotal counts persisted detections.
	DetectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eli_detections_total",
			Help: "Detections persisted by the enrichment worker",
		},
	)

	// AnomaliesTotal counts anomaly records.
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eli_anomalies_total",
			Help: "Anomalies recorded by metric",
		},
		[]string{"metric"},
	)

	// InsightsTotal counts insight generation attempts.
	// Labels:
	//   - outcome: "success", "failure", "skipped"
	//   - reason: "", "disabled", "throttled", "leased", ...
	InsightsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eli_insights_total",
			Help: "Insight generation attempts by outcome",
		},
		[]string{"outcome", "reason"},
	)

	// CircuitBreakerState reports breaker state (0 closed, 1 half-open, 2 open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eli_circuit_breaker_state",
			Help: "Circuit breaker state by dependency",
		},
		[]string{"name"},
	)

	// RequestLogQueueDepth reports the request log queue depth.
	RequestLogQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eli_request_log_queue_depth",
			Help: "Webhook request log records waiting to be written",
		},
	)
)

// RecordSideChannel records one best-effort operation outcome.
func RecordSideChannel(op, outcome string, seconds float64) {
	SideChannelTotal.WithLabelValues(op, outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeFailure {
		SideChannelDuration.WithLabelValues(op).Observe(seconds)
	}
}
