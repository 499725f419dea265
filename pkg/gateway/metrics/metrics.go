// Package metrics holds the gateway's HTTP-layer Prometheus instruments,
// kept separate from pkg/governor's and pkg/worker's own metrics so a test
// can register a fresh collector registry per run without colliding with
// the process-wide default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of HTTP-surface collectors the middleware chain
// updates on every request.
type Metrics struct {
	RequestDuration *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
}

// New registers the metrics on the default Prometheus registry.
func New() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers the metrics on reg, so tests can isolate
// collector state per run instead of sharing the process-wide registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, by endpoint, method, and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "method", "status"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served.",
		}),
	}
	reg.MustRegister(m.RequestDuration, m.RequestsInFlight)
	return m
}
