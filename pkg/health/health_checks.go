package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// SimpleCheck creates a simple health check that always returns healthy
func SimpleCheck(name string) Check {
	return Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
	}
}

// PingCheck reports a dependency reachable through ping as healthy. A
// failure is unhealthy when the dependency is critical, degraded otherwise.
func PingCheck(name string, critical bool, ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{
			Name: name,
		}

		if err := ping(ctx); err != nil {
			check.Status = StatusDegraded
			if critical {
				check.Status = StatusUnhealthy
			}
			check.Message = err.Error()
		} else {
			check.Status = StatusHealthy
			check.Message = "Connected"
		}

		return check
	}
}

// KeyringCheck reports the trusted verification keys. No trusted key means
// no license can verify.
func KeyringCheck(keyIDs func() []string) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{
			Name:    "keyring",
			Details: make(map[string]any),
		}

		ids := keyIDs()
		check.Details["trusted_keys"] = len(ids)
		check.Details["key_ids"] = ids

		if len(ids) == 0 {
			check.Status = StatusUnhealthy
			check.Message = "No trusted keys"
		} else {
			check.Status = StatusHealthy
			check.Message = "Trusted keys loaded"
		}

		return check
	}
}

// SigningKeyCheck reports whether the signing key can be loaded. Without it
// the service can still verify, so a failure is degraded.
func SigningKeyCheck(load func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{
			Name: "signing_key",
		}

		if err := load(ctx); err != nil {
			check.Status = StatusDegraded
			check.Message = err.Error()
		} else {
			check.Status = StatusHealthy
			check.Message = "Signing key available"
		}

		return check
	}
}

// CertificateExpiryCheck reports the listener certificate's remaining
// validity. It degrades within warnWithin of notAfter and fails once expired.
func CertificateExpiryCheck(notAfter time.Time, warnWithin time.Duration, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) Check {
		remaining := notAfter.Sub(now())
		check := Check{
			Name: "tls_certificate",
			Details: map[string]any{
				"not_after": notAfter.UTC().Format(time.RFC3339),
			},
		}

		switch {
		case remaining <= 0:
			check.Status = StatusUnhealthy
			check.Message = "Certificate expired"
		case remaining < warnWithin:
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("Certificate expires in %s", remaining.Round(time.Minute))
		default:
			check.Status = StatusHealthy
			check.Message = "Certificate valid"
		}
		return check
	}
}

// MemoryCheck creates a health check for memory usage. A nil getUsage reads
// the Go runtime's statistics.
func MemoryCheck(getUsage func() (alloc, sys uint64)) CheckFunc {
	if getUsage == nil {
		getUsage = runtimeMemory
	}
	return func(ctx context.Context) Check {
		check := Check{
			Name:    "memory",
			Details: make(map[string]any),
		}

		alloc, sys := getUsage()

		check.Details["alloc_bytes"] = alloc
		check.Details["sys_bytes"] = sys

		usagePercent := 0.0
		if sys > 0 {
			usagePercent = float64(alloc) / float64(sys) * 100
		}

		if usagePercent > 90 {
			check.Status = StatusDegraded
			check.Message = "High memory usage"
		} else {
			check.Status = StatusHealthy
			check.Message = "Memory usage normal"
		}

		return check
	}
}

func runtimeMemory() (alloc, sys uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc, m.Sys
}
