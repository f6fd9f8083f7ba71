package metrics

import (
	"runtime"
	"time"
)

// RecordHTTPRequest records an HTTP request with its duration
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordResponseSize records the size of an HTTP response body
func (r *Registry) RecordResponseSize(method, path string, size float64) {
	r.HTTPResponseSizeBytes.WithLabelValues(method, path).Observe(size)
}

// IncHTTPRequestsInFlight marks the start of a request.
func (r *Registry) IncHTTPRequestsInFlight() {
	r.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight marks the end of a request.
func (r *Registry) DecHTTPRequestsInFlight() {
	r.HTTPRequestsInFlight.Dec()
}

// AuthFailure counts a rejected credential.
func (r *Registry) AuthFailure() {
	r.AuthFailuresTotal.Inc()
}

// RateLimited counts a request rejected by the rate limiter.
func (r *Registry) RateLimited() {
	r.RateLimitedTotal.Inc()
}

// LicenseIssued counts a signed license.
func (r *Registry) LicenseIssued(renewal bool) {
	kind := "new"
	if renewal {
		kind = "renewal"
	}
	r.LicensesIssuedTotal.WithLabelValues(kind).Inc()
}

// LicenseVerified counts a verification outcome.
func (r *Registry) LicenseVerified(outcome string) {
	r.LicenseVerificationsTotal.WithLabelValues(outcome).Inc()
}

// LicenseRenewed counts an automatic renewal.
func (r *Registry) LicenseRenewed() {
	r.LicenseRenewalsTotal.Inc()
}

// LicenseRevoked counts a revocation.
func (r *Registry) LicenseRevoked() {
	r.LicenseRevocationsTotal.Inc()
}

// InvariantViolation counts an issued license that failed self-verification.
func (r *Registry) InvariantViolation() {
	r.LicenseInvariantViolations.Inc()
}

// CollaboratorFailure counts a failed external call.
func (r *Registry) CollaboratorFailure(op string) {
	r.LicenseCollaboratorFailures.WithLabelValues(op).Inc()
}

// PersistDuration records how long a background license write took.
func (r *Registry) PersistDuration(d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.LicensePersistDuration.WithLabelValues(status).Observe(d.Seconds())
}

// EventPublished counts a lifecycle event hand-off.
func (r *Registry) EventPublished(eventType string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.LicenseEventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// KeysRotated records the size of the new trusted key set.
func (r *Registry) KeysRotated(count int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TrustedKeys.Set(float64(count))
	r.KeyLastRotationTimestamp.Set(float64(at.Unix()))
}

// UpdateSystemMetrics refreshes uptime and goroutine gauges.
func (r *Registry) UpdateSystemMetrics(startedAt time.Time) {
	r.UptimeSeconds.Set(time.Since(startedAt).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
}
