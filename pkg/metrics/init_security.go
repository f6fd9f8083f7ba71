package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSecurityMetrics() {
	r.AuthFailuresTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_license_auth_failures_total",
			Help: "Total number of authentication failures",
		},
	)

	r.RateLimitedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_license_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	r.TrustedKeys = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_license_trusted_keys",
			Help: "Number of public keys licenses are currently verified against",
		},
	)

	r.KeyLastRotationTimestamp = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_license_key_last_rotation_timestamp_seconds",
			Help: "Timestamp of the last trusted key rotation as Unix timestamp",
		},
	)
}
