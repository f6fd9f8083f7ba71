package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dd0wney/cluso-license/pkg/api/middleware"
	"github.com/dd0wney/cluso-license/pkg/licensing"
	"github.com/dd0wney/cluso-license/pkg/logging"
)

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", logging.Error(err))
	}
}

// decodeJSON decodes a single JSON object from the body. Unknown fields are
// rejected. An empty body is an error unless allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

func (s *Server) respondBadRequest(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return
	}
	middleware.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
}

// respondServiceError maps licensing errors to HTTP statuses. Validation
// codes reach the client verbatim; server-side failures get a generic
// message and are logged with their detail.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			logging.Path(r.URL.Path),
			logging.RequestID(middleware.GetRequestID(r)),
			logging.String("code", code),
			logging.Error(err),
		)
	}
	middleware.WriteError(w, status, code, message)
}

func classifyError(err error) (status int, code, message string) {
	var (
		validationErr *licensing.ValidationError
		signingErr    *licensing.SigningError
		invariantErr  *licensing.InvariantError
	)

	switch {
	case errors.As(err, &validationErr):
		if validationErr.Code == licensing.CodeRenewalUnauthorized {
			return http.StatusForbidden, validationErr.Code, validationErr.Message
		}
		return http.StatusBadRequest, validationErr.Code, validationErr.Message
	case errors.Is(err, licensing.ErrNotFound):
		return http.StatusNotFound, "not_found", "license not found"
	case errors.Is(err, licensing.ErrPredecessorClaimed):
		return http.StatusConflict, "predecessor_claimed", "predecessor license was already renewed"
	case licensing.IsIndeterminate(err):
		return http.StatusServiceUnavailable, "unavailable", "a backing service is unavailable, retry later"
	case errors.As(err, &signingErr):
		return http.StatusInternalServerError, "signing_failed", "license signing is unavailable"
	case errors.As(err, &invariantErr):
		return http.StatusInternalServerError, "invariant_violation", "issued license failed self-verification"
	default:
		return http.StatusInternalServerError, "internal", "internal server error"
	}
}
