package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initLicensingMetrics() {
	r.LicensesIssuedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_license_issued_total",
			Help: "Total number of licenses signed",
		},
		[]string{"kind"}, // new, renewal
	)

	r.LicenseVerificationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_license_verifications_total",
			Help: "Total number of license verifications by outcome",
		},
		[]string{"outcome"},
	)

	r.LicenseRenewalsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_license_renewals_total",
			Help: "Total number of automatic renewals performed by verify-then-renew",
		},
	)

	r.LicenseRevocationsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_license_revocations_total",
			Help: "Total number of licenses revoked",
		},
	)

	r.LicenseInvariantViolations = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_license_invariant_violations_total",
			Help: "Issued licenses that failed their own verification (signer/verifier drift)",
		},
	)

	r.LicenseCollaboratorFailures = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_license_collaborator_failures_total",
			Help: "Failed calls to external collaborators",
		},
		[]string{"op"},
	)

	r.LicensePersistDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cluso_license_persist_duration_seconds",
			Help:    "Duration of background license writes in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"status"}, // success, error
	)

	r.LicenseEventsPublishedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_license_events_published_total",
			Help: "Lifecycle events handed to the event publisher",
		},
		[]string{"type", "status"},
	)
}
