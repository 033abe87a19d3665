package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// OutboundRequests counts provider API calls by driver, method and status
	OutboundRequests *prometheus.CounterVec
	// OutboundLatency tracks provider API call latency
	OutboundLatency *prometheus.HistogramVec
	// IntegrationErrors counts integration errors by driver and category
	IntegrationErrors *prometheus.CounterVec
	// Automations counts automation executions by driver, automation and outcome
	Automations *prometheus.CounterVec
	// OAuthRefreshes counts token exchanges and refreshes
	OAuthRefreshes *prometheus.CounterVec
	// JobsRescheduled counts jobs put back into the queue by retry sweeps
	JobsRescheduled prometheus.Counter
	// HTTPRequestsTotal total API requests
	HTTPRequestsTotal *prometheus.CounterVec
	// RequestLatency tracks API request latency
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsInFlight current API requests being processed
	HTTPRequestsInFlight prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		OutboundRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_requests_total",
				Help:      "Total number of provider API requests",
			},
			[]string{"driver", "method", "status"},
		),
		OutboundLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbound_request_duration_seconds",
				Help:      "Provider API request latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 12.0},
			},
			[]string{"driver"},
		),
		IntegrationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "integration_errors_total",
				Help:      "Total number of integration errors",
			},
			[]string{"driver", "category"},
		),
		Automations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "automations_total",
				Help:      "Total number of automation executions",
			},
			[]string{"driver", "automation", "outcome"},
		),
		OAuthRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oauth_token_operations_total",
				Help:      "Total number of OAuth token exchanges and refreshes",
			},
			[]string{"driver", "operation", "outcome"},
		),
		JobsRescheduled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_rescheduled_total",
				Help:      "Total number of failed jobs rescheduled by retry sweeps",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
	}

	registry.MustRegister(
		m.OutboundRequests,
		m.OutboundLatency,
		m.IntegrationErrors,
		m.Automations,
		m.OAuthRefreshes,
		m.JobsRescheduled,
		m.HTTPRequestsTotal,
		m.RequestLatency,
		m.HTTPRequestsInFlight,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering in tests and tools.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordOutbound records one provider API call
func (m *Metrics) RecordOutbound(driver, method string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.OutboundRequests.WithLabelValues(driver, method, strconv.Itoa(status)).Inc()
	m.OutboundLatency.WithLabelValues(driver).Observe(durationSeconds)
}

// RecordIntegrationError records an integration error category
func (m *Metrics) RecordIntegrationError(driver, category string) {
	if m == nil {
		return
	}
	m.IntegrationErrors.WithLabelValues(driver, category).Inc()
}

// RecordAutomation records an automation outcome ("success", "error", "invalid")
func (m *Metrics) RecordAutomation(driver, automation, outcome string) {
	if m == nil {
		return
	}
	m.Automations.WithLabelValues(driver, automation, outcome).Inc()
}

// RecordOAuth records a token exchange ("get") or refresh ("refresh")
func (m *Metrics) RecordOAuth(driver, operation, outcome string) {
	if m == nil {
		return
	}
	m.OAuthRefreshes.WithLabelValues(driver, operation, outcome).Inc()
}

// AddJobsRescheduled adds n rescheduled jobs
func (m *Metrics) AddJobsRescheduled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JobsRescheduled.Add(float64(n))
}

// RecordHTTPRequest records an API request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// RecordRequestLatency records the latency of an API request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Dec()
}
