package tls

import (
	"crypto/tls"
	"time"
)

// Config describes the listener's TLS setup. Either CertFile and KeyFile
// are set, or SelfSigned asks for an in-memory certificate for Hosts.
type Config struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string // optional; client certificates are verified if presented

	SelfSigned bool
	Hosts      []string
	ValidFor   time.Duration

	MinVersion uint16
}

// DefaultConfig returns TLS 1.2+ with a self-signed certificate for
// localhost valid for 90 days.
func DefaultConfig() *Config {
	return &Config{
		SelfSigned: true,
		Hosts:      []string{"localhost", "127.0.0.1"},
		ValidFor:   90 * 24 * time.Hour,
		MinVersion: tls.VersionTLS12,
	}
}

// CertificateInfo holds certificate metadata
type CertificateInfo struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	DNSNames     []string
}

// ExpiresIn returns the time until certificate expiration
func (ci *CertificateInfo) ExpiresIn(now time.Time) time.Duration {
	return ci.NotAfter.Sub(now)
}

// SecureCipherSuites returns the TLS 1.2 suites the server accepts. TLS 1.3
// suites are not configurable and always enabled.
func SecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}
