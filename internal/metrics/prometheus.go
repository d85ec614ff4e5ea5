package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the eye tracker controller
type Metrics struct {
	// Streaming data-plane metrics
	DatagramsReceived prometheus.Counter
	ParseErrors       prometheus.Counter
	SamplesMerged     prometheus.Counter
	StaleSamples      prometheus.Counter
	KeepalivesSent    prometheus.Counter
	ReceiveTimeouts   prometheus.Counter
	Streaming         prometheus.Gauge

	// Control-plane metrics
	ControlRequests prometheus.Counter
	ControlFailures prometheus.Counter

	// Monitor HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		DatagramsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "glasses_datagrams_received_total",
			Help: "Total number of live-data UDP datagrams received",
		}),
		ParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "glasses_parse_errors_total",
			Help: "Total number of datagrams that failed to parse",
		}),
		SamplesMerged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "glasses_samples_merged_total",
			Help: "Total number of channel samples accepted into the store",
		}),
		StaleSamples: promauto.NewCounter(prometheus.CounterOpts{
			Name: "glasses_samples_stale_total",
			Help: "Total number of channel samples rejected as stale",
		}),
		KeepalivesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "glasses_keepalives_sent_total",
			Help: "Total number of keepalive messages sent to the device",
		}),
		ReceiveTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "glasses_receive_timeouts_total",
			Help: "Total number of socket receive timeouts that ended streaming",
		}),
		Streaming: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "glasses_streaming",
			Help: "Whether a streaming session is currently active (0 or 1)",
		}),

		ControlRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "glasses_control_requests_total",
			Help: "Total number of control-plane HTTP requests sent to the device",
		}),
		ControlFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "glasses_control_failures_total",
			Help: "Total number of failed control-plane HTTP requests",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "glasses_http_requests_total",
			Help: "Total number of monitor HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "glasses_http_request_duration_seconds",
			Help:    "Duration of monitor HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "glasses_http_errors_total",
			Help: "Total number of monitor HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordHTTPRequest records a completed monitor HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordHTTPError records a monitor HTTP request that ended in an error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
