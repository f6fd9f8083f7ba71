// Package api serves the licensing pipelines over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-license/pkg/api/middleware"
	"github.com/dd0wney/cluso-license/pkg/audit"
	"github.com/dd0wney/cluso-license/pkg/graphql"
	"github.com/dd0wney/cluso-license/pkg/health"
	"github.com/dd0wney/cluso-license/pkg/logging"
)

// NewServer creates a new API server
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Service == nil:
		return nil, errors.New("api: licensing service is required")
	case opts.Validator == nil:
		return nil, errors.New("api: token validator is required")
	case opts.AuditLog == nil:
		return nil, errors.New("api: audit log is required")
	}

	s := &Server{
		service:        opts.Service,
		validator:      opts.Validator,
		auditLog:       opts.AuditLog,
		audit:          opts.Audit,
		metrics:        opts.Metrics,
		healthChecker:  opts.Health,
		logger:         opts.Logger,
		trustedProxies: opts.TrustedProxies,
		maxBodyBytes:   opts.MaxBodyBytes,
		persistWait:    opts.PersistWait,
		tls:            opts.TLS,
		startTime:      time.Now(),
	}
	if s.audit == nil {
		s.audit = opts.AuditLog
	}
	if s.logger == nil {
		s.logger = logging.NewNopLogger()
	}
	s.logger = s.logger.With(logging.Component("api"))
	if s.healthChecker == nil {
		s.healthChecker = health.NewHealthChecker()
	}
	if s.maxBodyBytes <= 0 {
		s.maxBodyBytes = 1 << 20
	}
	if opts.RateLimit != nil {
		s.rateLimiter = middleware.NewRateLimiter(opts.RateLimit)
	}

	schema, err := graphql.NewSchema(opts.Service)
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	s.router = s.routes(graphql.NewGraphQLHandler(schema, opts.GraphQLMaxDepth))
	return s, nil
}

func (s *Server) routes(gql http.Handler) http.Handler {
	var recorder middleware.MetricsRecorder
	if s.metrics != nil {
		recorder = s.metrics
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.PanicRecovery(s.logger))
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Metrics(recorder))
	r.Use(middleware.SecurityHeaders(&middleware.SecurityHeadersConfig{TLSEnabled: s.tls}))
	r.Use(middleware.BodySizeLimit(s.maxBodyBytes))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	// Health and metrics
	r.Get("/health", s.healthChecker.HTTPHandler())
	r.Get("/health/live", s.healthChecker.LivenessHandler())
	r.Get("/health/ready", s.healthChecker.ReadinessHandler())
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(middleware.RateLimit(s.rateLimiter, s.clientID, s.onRateLimited))

		r.Post("/licenses", s.handleCreate)
		r.Get("/licenses", s.handleList)
		r.Post("/licenses/verify", s.handleVerify)
		r.Post("/licenses/combo", s.handleCombo)
		r.Get("/licenses/{id}", s.handleGet)
		r.With(s.requireAdmin).Post("/licenses/{id}/revoke", s.handleRevoke)

		r.Get("/keys", s.handleKeys)
		r.With(s.requireAdmin).Get("/audit", s.handleAudit)

		r.Method(http.MethodPost, "/graphql", gql)
	})

	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer returns an *http.Server for addr with the given timeouts.
func (s *Server) HTTPServer(addr string, read, write, idle time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
		ErrorLog:          logging.StdLogger(s.logger, logging.WarnLevel),
	}
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// logAuditEvent records event with the request's correlation data.
func (s *Server) logAuditEvent(r *http.Request, event *audit.Event) {
	event.IPAddress = middleware.ClientIP(r, s.trustedProxies)
	event.RequestID = middleware.GetRequestID(r)
	if err := s.audit.Log(event); err != nil {
		s.logger.Error("failed to write audit event",
			logging.String("action", string(event.Action)),
			logging.RequestID(event.RequestID),
			logging.Error(err),
		)
	}
}

// clientID keys rate limiting on the authenticated caller.
func (s *Server) clientID(r *http.Request) string {
	if caller := callerOf(r.Context()); caller != "" {
		return "caller:" + caller
	}
	return "ip:" + middleware.ClientIP(r, s.trustedProxies)
}

func (s *Server) onRateLimited(r *http.Request, clientID string) {
	if s.metrics != nil {
		s.metrics.RateLimited()
	}
	s.logger.Warn("rate limited",
		logging.String("client", clientID),
		logging.Path(r.URL.Path),
		logging.RequestID(middleware.GetRequestID(r)),
	)
}

// Shutdown gracefully stops srv and the server's background work.
func (s *Server) Shutdown(ctx context.Context, srv *http.Server) error {
	defer s.Close()
	return srv.Shutdown(ctx)
}
