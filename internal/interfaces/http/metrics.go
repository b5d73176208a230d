package http

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// MetricsRegistry holds the Prometheus collectors for the daemon: the HTTP
// surface and the notification delivery pipeline.
type MetricsRegistry struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	Deliveries       *prometheus.CounterVec
	DeliveryAttempts prometheus.Histogram
	DeliveryDuration *prometheus.HistogramVec
}

// NewMetricsRegistry creates the registry with every collector registered.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notiq_http_requests_total",
				Help: "Total HTTP requests by method, route, and status code",
			},
			[]string{"method", "route", "status"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notiq_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "route"},
		),

		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notiq_deliveries_total",
				Help: "Total subscription deliveries by task kind and result",
			},
			[]string{"task", "result"},
		),

		DeliveryAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "notiq_delivery_attempts",
				Help:    "Attempts spent per delivery, retries included",
				Buckets: []float64{1, 2, 3, 4, 5, 8, 11},
			},
		),

		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notiq_delivery_duration_seconds",
				Help:    "End-to-end delivery duration including backoff sleeps",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"task"},
		),
	}

	m.registry.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.Deliveries,
		m.DeliveryAttempts,
		m.DeliveryDuration,
	)
	return m
}

// ObserveRequest records one handled HTTP request.
func (m *MetricsRegistry) ObserveRequest(method, route string, status int, seconds float64) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(seconds)
}

// ObserveDelivery records one finished subscription delivery; it implements
// notification.Metrics.
func (m *MetricsRegistry) ObserveDelivery(task string, delivered bool, attempts int, seconds float64) {
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	m.Deliveries.WithLabelValues(task, result).Inc()
	m.DeliveryAttempts.Observe(float64(attempts))
	m.DeliveryDuration.WithLabelValues(task).Observe(seconds)
}

// Handler exposes the registry in Prometheus text format.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot gathers the current metric families, for diagnostics and tests.
func (m *MetricsRegistry) Snapshot() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}
