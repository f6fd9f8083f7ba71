package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}

	// Verify all metrics are initialized
	if r.HTTPRequestsTotal == nil {
		t.Error("HTTPRequestsTotal not initialized")
	}
	if r.LicensesIssuedTotal == nil {
		t.Error("LicensesIssuedTotal not initialized")
	}
	if r.LicenseVerificationsTotal == nil {
		t.Error("LicenseVerificationsTotal not initialized")
	}
	if r.TrustedKeys == nil {
		t.Error("TrustedKeys not initialized")
	}
	if r.registry == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestDefaultRegistry(t *testing.T) {
	// Should return the same instance
	r1 := DefaultRegistry()
	r2 := DefaultRegistry()

	if r1 != r2 {
		t.Error("DefaultRegistry() should return the same instance")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	r := NewRegistry()

	r.RecordHTTPRequest("POST", "/v1/licenses", "201", 100*time.Millisecond)
	r.RecordHTTPRequest("POST", "/v1/licenses/verify", "200", 20*time.Millisecond)
	r.RecordHTTPRequest("POST", "/v1/licenses", "400", 5*time.Millisecond)

	counter, err := r.HTTPRequestsTotal.GetMetricWithLabelValues("POST", "/v1/licenses", "201")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}
	if got := counterValue(t, counter); got != 1 {
		t.Errorf("Counter value = %v, want 1", got)
	}
}

func TestHTTPInFlightAndSecurityCounters(t *testing.T) {
	r := NewRegistry()

	r.IncHTTPRequestsInFlight()
	r.IncHTTPRequestsInFlight()
	r.DecHTTPRequestsInFlight()
	if got := gaugeValue(t, r.HTTPRequestsInFlight); got != 1 {
		t.Errorf("in-flight = %v, want 1", got)
	}

	r.RecordResponseSize("GET", "/v1/licenses/{id}", 512)
	r.AuthFailure()
	r.RateLimited()
	r.RateLimited()

	if got := counterValue(t, r.AuthFailuresTotal); got != 1 {
		t.Errorf("auth failures = %v, want 1", got)
	}
	if got := counterValue(t, r.RateLimitedTotal); got != 2 {
		t.Errorf("rate limited = %v, want 2", got)
	}
}

func TestLicenseIssued(t *testing.T) {
	r := NewRegistry()

	r.LicenseIssued(false)
	r.LicenseIssued(false)
	r.LicenseIssued(true)

	tests := []struct {
		kind string
		want float64
	}{
		{"new", 2},
		{"renewal", 1},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			c, err := r.LicensesIssuedTotal.GetMetricWithLabelValues(tt.kind)
			if err != nil {
				t.Fatalf("Failed to get metric: %v", err)
			}
			if got := counterValue(t, c); got != tt.want {
				t.Errorf("issued{kind=%s} = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestLicenseVerified(t *testing.T) {
	r := NewRegistry()

	for _, outcome := range []string{"valid", "valid", "expired", "revoked", "valid"} {
		r.LicenseVerified(outcome)
	}

	c, _ := r.LicenseVerificationsTotal.GetMetricWithLabelValues("valid")
	if got := counterValue(t, c); got != 3 {
		t.Errorf("valid = %v, want 3", got)
	}
	c, _ = r.LicenseVerificationsTotal.GetMetricWithLabelValues("expired")
	if got := counterValue(t, c); got != 1 {
		t.Errorf("expired = %v, want 1", got)
	}
}

func TestInvariantAndCollaboratorCounters(t *testing.T) {
	r := NewRegistry()

	r.InvariantViolation()
	r.CollaboratorFailure("revocation_lookup")
	r.CollaboratorFailure("revocation_lookup")
	r.LicenseRenewed()
	r.LicenseRevoked()

	if got := counterValue(t, r.LicenseInvariantViolations); got != 1 {
		t.Errorf("invariant violations = %v, want 1", got)
	}
	c, _ := r.LicenseCollaboratorFailures.GetMetricWithLabelValues("revocation_lookup")
	if got := counterValue(t, c); got != 2 {
		t.Errorf("collaborator failures = %v, want 2", got)
	}
	if got := counterValue(t, r.LicenseRenewalsTotal); got != 1 {
		t.Errorf("renewals = %v, want 1", got)
	}
	if got := counterValue(t, r.LicenseRevocationsTotal); got != 1 {
		t.Errorf("revocations = %v, want 1", got)
	}
}

func TestPersistDuration(t *testing.T) {
	r := NewRegistry()

	r.PersistDuration(10*time.Millisecond, nil)
	r.PersistDuration(20*time.Millisecond, nil)
	r.PersistDuration(5*time.Second, errors.New("timeout"))

	histogram, err := r.LicensePersistDuration.GetMetricWithLabelValues("success")
	if err != nil {
		t.Fatalf("Failed to get histogram: %v", err)
	}

	var metric dto.Metric
	if err := histogram.(prometheus.Histogram).Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 2 {
		t.Errorf("Sample count = %v, want 2", metric.Histogram.GetSampleCount())
	}

	sum := metric.Histogram.GetSampleSum()
	if sum < 0.029 || sum > 0.031 {
		t.Errorf("Sample sum = %v, want ~0.03", sum)
	}
}

func TestKeysRotated(t *testing.T) {
	r := NewRegistry()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	r.KeysRotated(2, at)

	if got := gaugeValue(t, r.TrustedKeys); got != 2 {
		t.Errorf("TrustedKeys = %v, want 2", got)
	}
	if got := gaugeValue(t, r.KeyLastRotationTimestamp); got != float64(at.Unix()) {
		t.Errorf("KeyLastRotationTimestamp = %v, want %v", got, at.Unix())
	}
}

func TestUpdateSystemMetrics(t *testing.T) {
	r := NewRegistry()

	r.UpdateSystemMetrics(time.Now().Add(-time.Minute))

	if got := gaugeValue(t, r.UptimeSeconds); got < 59 {
		t.Errorf("UptimeSeconds = %v, want >= 59", got)
	}
	if got := gaugeValue(t, r.GoRoutines); got < 1 {
		t.Errorf("GoRoutines = %v, want >= 1", got)
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	r := NewRegistry()

	// Simulate concurrent verifications
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				r.LicenseVerified("valid")
			}
			done <- true
		}()
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}

	c, _ := r.LicenseVerificationsTotal.GetMetricWithLabelValues("valid")
	// Should have 1000 total verifications (10 goroutines * 100 calls)
	if got := counterValue(t, c); got != 1000 {
		t.Errorf("Counter = %v, want 1000", got)
	}
}

func TestGetPrometheusRegistry(t *testing.T) {
	r := NewRegistry()
	promRegistry := r.GetPrometheusRegistry()

	if promRegistry == nil {
		t.Fatal("GetPrometheusRegistry() returned nil")
	}

	// Verify we can gather metrics
	metrics, err := promRegistry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	// Unlabelled metrics are always exported
	expectedMetrics := []string{
		"cluso_license_renewals_total",
		"cluso_license_trusted_keys",
		"cluso_license_uptime_seconds",
	}

	metricNames := make(map[string]bool)
	for _, m := range metrics {
		metricNames[m.GetName()] = true
	}

	for _, expected := range expectedMetrics {
		if !metricNames[expected] {
			t.Errorf("Expected metric %s not found", expected)
		}
	}
}

func TestMetricNaming(t *testing.T) {
	r := NewRegistry()
	r.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
	r.LicenseIssued(false)

	metrics, err := r.GetPrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	for _, m := range metrics {
		name := m.GetName()
		if !strings.HasPrefix(name, "cluso_license_") {
			t.Errorf("Metric %s does not have cluso_license_ prefix", name)
		}
	}
}

func BenchmarkLicenseVerified(b *testing.B) {
	r := NewRegistry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.LicenseVerified("valid")
	}
}
