package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/dd0wney/cluso-license/pkg/api/middleware"
	"github.com/dd0wney/cluso-license/pkg/audit"
	"github.com/dd0wney/cluso-license/pkg/auth"
	"github.com/dd0wney/cluso-license/pkg/logging"
)

// bearerToken extracts the credential from Authorization: Bearer <token> or
// X-API-Key: <key>.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// authenticate validates the caller's credential and stores the claims in
// the request context. Every /v1 route requires it.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.rejectAuth(w, r, "missing credentials")
			return
		}

		claims, err := s.validator.ValidateToken(r.Context(), token)
		if err != nil {
			s.logger.Debug("token validation failed",
				logging.RequestID(middleware.GetRequestID(r)),
				logging.Error(err),
			)
			s.rejectAuth(w, r, "invalid or expired credentials")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func (s *Server) rejectAuth(w http.ResponseWriter, r *http.Request, message string) {
	if s.metrics != nil {
		s.metrics.AuthFailure()
	}
	s.logAuditEvent(r, &audit.Event{
		Action:       audit.ActionAuth,
		Status:       audit.StatusFailure,
		ErrorMessage: message,
		Metadata:     map[string]any{"path": r.URL.Path, "method": r.Method},
	})
	w.Header().Set("WWW-Authenticate", `Bearer realm="cluso-license"`)
	middleware.WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

// requireAdmin rejects callers without the admin role.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := auth.ClaimsFromContext(r.Context())
		if !claims.IsAdmin() {
			s.logAuditEvent(r, &audit.Event{
				Caller:       callerOf(r.Context()),
				Action:       audit.ActionAuth,
				Status:       audit.StatusFailure,
				ErrorMessage: "admin role required",
				Metadata:     map[string]any{"path": r.URL.Path, "method": r.Method},
			})
			middleware.WriteError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerOf(ctx context.Context) string {
	return auth.CallerFromContext(ctx)
}

// canRead reports whether the caller may see licenses bound to subject.
func canRead(ctx context.Context, subject string) bool {
	claims := auth.ClaimsFromContext(ctx)
	return claims.CanIssue() || (claims != nil && claims.Caller == subject)
}
