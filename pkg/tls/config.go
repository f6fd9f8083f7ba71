// Package tls builds the license server's listener TLS configuration.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ServerConfig loads or generates the server certificate and returns the
// listener configuration along with the certificate's metadata.
func ServerConfig(cfg *Config) (*tls.Config, *CertificateInfo, error) {
	if cfg == nil {
		return nil, nil, errors.New("tls: config is required")
	}

	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
	case cfg.SelfSigned:
		cert, err = GenerateSelfSignedCert(cfg.Hosts, cfg.ValidFor)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
	default:
		return nil, nil, errors.New("tls: no certificate configured")
	}

	info, err := Describe(cert)
	if err != nil {
		return nil, nil, err
	}

	minVersion := cfg.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		CipherSuites: SecureCipherSuites(),
	}

	if cfg.ClientCAFile != "" {
		pool, err := LoadCAPool(cfg.ClientCAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load client CA: %w", err)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tlsConfig, info, nil
}

// LoadCAPool loads a CA certificate pool from a file
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return certPool, nil
}

// Describe returns the metadata of cert's leaf certificate.
func Describe(cert tls.Certificate) (*CertificateInfo, error) {
	if len(cert.Certificate) == 0 {
		return nil, errors.New("tls: certificate chain is empty")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &CertificateInfo{
		Subject:      leaf.Subject.String(),
		Issuer:       leaf.Issuer.String(),
		SerialNumber: leaf.SerialNumber.String(),
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
		DNSNames:     leaf.DNSNames,
	}, nil
}
