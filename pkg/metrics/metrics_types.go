package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the application
type Registry struct {
	// HTTP Metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestsInFlight  prometheus.Gauge
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Licensing Metrics
	LicensesIssuedTotal         *prometheus.CounterVec
	LicenseVerificationsTotal   *prometheus.CounterVec
	LicenseRenewalsTotal        prometheus.Counter
	LicenseRevocationsTotal     prometheus.Counter
	LicenseInvariantViolations  prometheus.Counter
	LicenseCollaboratorFailures *prometheus.CounterVec
	LicensePersistDuration      *prometheus.HistogramVec
	LicenseEventsPublishedTotal *prometheus.CounterVec

	// Security Metrics
	AuthFailuresTotal        prometheus.Counter
	RateLimitedTotal         prometheus.Counter
	TrustedKeys              prometheus.Gauge
	KeyLastRotationTimestamp prometheus.Gauge

	// System Metrics
	UptimeSeconds prometheus.Gauge
	GoRoutines    prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	// Initialize all metrics
	r.initHTTPMetrics()
	r.initLicensingMetrics()
	r.initSecurityMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
