package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice relay
type Metrics struct {
	// Session metrics
	SessionsCreated prometheus.Counter
	SessionsExpired prometheus.Counter
	ActiveSessions  prometheus.Gauge

	// Push-stream connection metrics
	ActiveStreamConns prometheus.Gauge
	HeartbeatsSent    prometheus.Counter
	HeartbeatFailures prometheus.Counter

	// Audio buffer metrics
	FragmentsReceived prometheus.Counter
	BufferFlushes     prometheus.Counter
	AssembledBytes    prometheus.Histogram

	// Prediction dispatch metrics
	PredictionsSubmitted prometheus.Counter
	PredictionsSucceeded prometheus.Counter
	PredictionsFailed    prometheus.Counter
	PredictionsTimedOut  prometheus.Counter
	PredictionsCancelled prometheus.Counter
	PollAttempts         prometheus.Counter
	PredictionDuration   prometheus.Histogram

	// Result delivery metrics
	ResultsDelivered   *prometheus.CounterVec
	ResultsUndelivered prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_expired_total",
			Help: "Total number of sessions removed by the GC sweeper",
		}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of live sessions",
		}),

		// Push-stream connection metrics
		ActiveStreamConns: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_stream_connections",
			Help: "Current number of open push-stream connections",
		}),
		HeartbeatsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_heartbeats_sent_total",
			Help: "Total number of heartbeat events written",
		}),
		HeartbeatFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_heartbeat_failures_total",
			Help: "Total number of heartbeat writes that closed a connection",
		}),

		// Audio buffer metrics
		FragmentsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_fragments_received_total",
			Help: "Total number of audio fragments buffered",
		}),
		BufferFlushes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_buffer_flushes_total",
			Help: "Total number of threshold-triggered buffer flushes",
		}),
		AssembledBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_assembled_audio_bytes",
			Help:    "Size of assembled audio payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// Prediction dispatch metrics
		PredictionsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_predictions_submitted_total",
			Help: "Total number of prediction jobs submitted",
		}),
		PredictionsSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_predictions_succeeded_total",
			Help: "Total number of prediction jobs that returned output",
		}),
		PredictionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_predictions_failed_total",
			Help: "Total number of prediction jobs that terminally failed",
		}),
		PredictionsTimedOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_predictions_timed_out_total",
			Help: "Total number of prediction jobs that exhausted the poll budget",
		}),
		PredictionsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_predictions_cancelled_total",
			Help: "Total number of prediction jobs cancelled for dead sessions",
		}),
		PollAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_poll_attempts_total",
			Help: "Total number of prediction poll attempts",
		}),
		PredictionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_prediction_duration_seconds",
			Help:    "Wall time from submission to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		// Result delivery metrics
		ResultsDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_results_delivered_total",
			Help: "Total number of results delivered, by channel",
		}, []string{"channel", "kind"}),
		ResultsUndelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_results_undelivered_total",
			Help: "Total number of results dropped with no live channel",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionExpired increments the sessions expired counter
func (m *Metrics) RecordSessionExpired() {
	m.SessionsExpired.Inc()
}

// SetActiveSessions sets the live session gauge
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// SetActiveStreamConns sets the open push-stream connection gauge
func (m *Metrics) SetActiveStreamConns(count int) {
	m.ActiveStreamConns.Set(float64(count))
}

// RecordHeartbeat records a heartbeat write and whether it failed
func (m *Metrics) RecordHeartbeat(failed bool) {
	m.HeartbeatsSent.Inc()
	if failed {
		m.HeartbeatFailures.Inc()
	}
}

// RecordFragmentReceived increments the fragments received counter
func (m *Metrics) RecordFragmentReceived() {
	m.FragmentsReceived.Inc()
}

// RecordBufferFlush records a threshold flush and the assembled size
func (m *Metrics) RecordBufferFlush(assembledBytes int) {
	m.BufferFlushes.Inc()
	m.AssembledBytes.Observe(float64(assembledBytes))
}

// RecordPredictionSubmitted increments the submission counter
func (m *Metrics) RecordPredictionSubmitted() {
	m.PredictionsSubmitted.Inc()
}

// RecordPredictionOutcome records a terminal dispatch state and its duration
func (m *Metrics) RecordPredictionOutcome(state string, durationSeconds float64) {
	switch state {
	case "succeeded":
		m.PredictionsSucceeded.Inc()
	case "failed":
		m.PredictionsFailed.Inc()
	case "timed_out":
		m.PredictionsTimedOut.Inc()
	case "cancelled":
		m.PredictionsCancelled.Inc()
	}
	m.PredictionDuration.Observe(durationSeconds)
}

// RecordPollAttempt increments the poll attempt counter
func (m *Metrics) RecordPollAttempt() {
	m.PollAttempts.Inc()
}

// RecordResultDelivered records a delivery by channel and event kind
func (m *Metrics) RecordResultDelivered(channel, kind string) {
	m.ResultsDelivered.WithLabelValues(channel, kind).Inc()
}

// RecordResultUndelivered increments the dropped-result counter
func (m *Metrics) RecordResultUndelivered() {
	m.ResultsUndelivered.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
