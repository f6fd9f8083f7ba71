// Package middleware provides HTTP middleware components for the license API.
//
// The middleware package is organized into separate files by concern:
//
//   - recovery.go: Panic recovery middleware
//   - logging.go: Request logging middleware
//   - security_headers.go: Security headers middleware
//   - body_limit.go: Request body size limiting middleware
//   - request_id.go: Request ID generation and tracking middleware
//   - ratelimit.go: Per-client rate limiting with golang.org/x/time/rate
//   - trusted_proxy.go: Client IP resolution behind trusted proxies
//   - metrics.go: HTTP metrics collection middleware
//
// All middleware follows the standard pattern: func(http.Handler) http.Handler
// and is mounted on a chi router with Use:
//
//	r := chi.NewRouter()
//	r.Use(middleware.RequestID())
//	r.Use(middleware.PanicRecovery(logger))
//	r.Use(middleware.Logging(logger))
package middleware
