package api

import (
	"net"
	"net/http"
	"time"

	"github.com/dd0wney/cluso-license/pkg/api/middleware"
	"github.com/dd0wney/cluso-license/pkg/audit"
	"github.com/dd0wney/cluso-license/pkg/auth"
	"github.com/dd0wney/cluso-license/pkg/health"
	"github.com/dd0wney/cluso-license/pkg/licensing"
	"github.com/dd0wney/cluso-license/pkg/logging"
	"github.com/dd0wney/cluso-license/pkg/metrics"
)

// Options wires the server. Service, Validator and AuditLog are required.
type Options struct {
	Service   *licensing.Service
	Validator auth.TokenValidator

	// AuditLog keeps recent events for GET /v1/audit. Audit receives every
	// event and defaults to AuditLog; set it to an audit.Multi to also write
	// a journal.
	AuditLog *audit.AuditLogger
	Audit    audit.Logger

	Metrics *metrics.Registry
	Health  *health.HealthChecker
	Logger  logging.Logger

	// RateLimit nil disables rate limiting.
	RateLimit      *middleware.RateLimitConfig
	TrustedProxies []*net.IPNet
	MaxBodyBytes   int64

	// PersistWait is how long a create waits for the store to confirm before
	// answering with persisted=false.
	PersistWait time.Duration

	TLS             bool
	GraphQLMaxDepth int
}

// Server represents the HTTP API server
type Server struct {
	service        *licensing.Service
	validator      auth.TokenValidator
	auditLog       *audit.AuditLogger
	audit          audit.Logger
	metrics        *metrics.Registry
	healthChecker  *health.HealthChecker
	logger         logging.Logger
	rateLimiter    *middleware.RateLimiter
	trustedProxies []*net.IPNet
	maxBodyBytes   int64
	persistWait    time.Duration
	tls            bool
	startTime      time.Time
	router         http.Handler
}
