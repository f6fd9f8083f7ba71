package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dd0wney/cluso-license/pkg/api/middleware"
	"github.com/dd0wney/cluso-license/pkg/audit"
	"github.com/dd0wney/cluso-license/pkg/auth"
	"github.com/dd0wney/cluso-license/pkg/licensing"
	"github.com/dd0wney/cluso-license/pkg/logging"
	"github.com/dd0wney/cluso-license/pkg/validation"
)

func toCreateRequest(req *validation.CreateLicenseRequest, caller string) licensing.CreateRequest {
	out := licensing.CreateRequest{
		Subject:       req.Subject,
		Scope:         req.Scope,
		Duration:      req.ParsedDuration(),
		PredecessorID: req.PredecessorID,
		Caller:        caller,
	}
	if req.ExpiresAt != nil {
		out.ExpiresAt = *req.ExpiresAt
	}
	return out
}

// toVerifyRequest builds a verify request. An omitted subject defaults to
// the caller, so a client can check its own license.
func toVerifyRequest(req *validation.VerifyLicenseRequest, caller string) licensing.VerifyRequest {
	out := licensing.VerifyRequest{
		License: []byte(req.License),
		Subject: req.Subject,
	}
	if out.Subject == "" {
		out.Subject = caller
	}
	if req.Now != nil {
		out.Now = *req.Now
	}
	return out
}

// mayCreate reports whether the caller may ask for a license at all. Plain
// clients may only renew; whether they own the predecessor is decided by
// the pipeline's authorizer.
func mayCreate(claims *auth.Claims, predecessorID string) bool {
	return claims.CanIssue() || (claims != nil && predecessorID != "")
}

func createAction(predecessorID string) audit.Action {
	if predecessorID != "" {
		return audit.ActionRenew
	}
	return audit.ActionIssue
}

// handleCreate issues a license.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r.Context())

	var req validation.CreateLicenseRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.respondBadRequest(w, err)
		return
	}
	if err := validation.ValidateCreateRequest(&req); err != nil {
		s.respondBadRequest(w, err)
		return
	}

	action := createAction(req.PredecessorID)
	if !mayCreate(auth.ClaimsFromContext(r.Context()), req.PredecessorID) {
		s.logAuditEvent(r, audit.NewFailedEvent(caller, action, req.Subject, "issuer role required"))
		middleware.WriteError(w, http.StatusForbidden, "forbidden", "issuer role required")
		return
	}

	issued, err := s.service.Create(r.Context(), toCreateRequest(&req, caller))
	if err != nil {
		s.logAuditEvent(r, audit.NewFailedEvent(caller, action, req.Subject, err.Error()))
		s.respondServiceError(w, r, err)
		return
	}

	resp, err := s.licenseResponse(r.Context(), issued)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	event := audit.NewEvent(caller, action, issued.Record.ID, issued.Record.Subject)
	event.Metadata = map[string]any{"scope": issued.Record.Scope, "expires_at": issued.Record.ExpiresAt}
	if issued.Record.PredecessorID != "" {
		event.Metadata["predecessor_id"] = issued.Record.PredecessorID
	}
	s.logAuditEvent(r, event)

	s.respondJSON(w, http.StatusCreated, resp)
}

// licenseResponse encodes a freshly issued license and reports whether the
// store confirmed it within the persist wait.
func (s *Server) licenseResponse(ctx context.Context, issued *licensing.Issued) (*LicenseResponse, error) {
	token, err := licensing.EncodeToken(issued.Record)
	if err != nil {
		return nil, err
	}
	envelope, err := licensing.Encode(issued.Record)
	if err != nil {
		return nil, err
	}
	return &LicenseResponse{
		License:   token,
		Envelope:  envelope,
		Record:    issued.Record,
		Persisted: s.awaitPersist(ctx, issued),
	}, nil
}

func (s *Server) awaitPersist(ctx context.Context, issued *licensing.Issued) bool {
	if issued.Pending == nil {
		return false
	}
	if s.persistWait <= 0 {
		return issued.Pending.Persisted()
	}

	ctx, cancel := context.WithTimeout(ctx, s.persistWait)
	defer cancel()
	if err := issued.Pending.Wait(ctx); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("license not persisted",
				logging.LicenseID(issued.Record.ID),
				logging.Error(err),
			)
		}
		return false
	}
	return true
}

// handleVerify checks a presented license.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r.Context())

	var req validation.VerifyLicenseRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.respondBadRequest(w, err)
		return
	}
	if err := validation.ValidateVerifyRequest(&req); err != nil {
		s.respondBadRequest(w, err)
		return
	}

	vreq := toVerifyRequest(&req, caller)
	res, err := s.service.Verify(r.Context(), vreq)
	if err != nil {
		s.logAuditEvent(r, audit.NewFailedEvent(caller, audit.ActionVerify, vreq.Subject, err.Error()))
		s.respondServiceError(w, r, err)
		return
	}

	event := audit.NewEvent(caller, audit.ActionVerify, "", vreq.Subject)
	event.Outcome = res.Outcome.String()
	if res.Record != nil {
		event.LicenseID = res.Record.ID
	}
	s.logAuditEvent(r, event)

	s.respondJSON(w, http.StatusOK, verifyResponse(res))
}

// handleCombo runs issue_then_verify or verify_then_renew.
func (s *Server) handleCombo(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r.Context())

	var req validation.ComboLicenseRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.respondBadRequest(w, err)
		return
	}
	if err := validation.ValidateComboRequest(&req); err != nil {
		s.respondBadRequest(w, err)
		return
	}

	creq := licensing.ComboRequest{Kind: licensing.ComboKind(req.Kind), Caller: caller}
	subject := ""
	if req.Create != nil {
		c := toCreateRequest(req.Create, caller)
		creq.Create = &c
		subject = c.Subject
		if !mayCreate(auth.ClaimsFromContext(r.Context()), c.PredecessorID) {
			s.logAuditEvent(r, audit.NewFailedEvent(caller, audit.ActionCombo, subject, "issuer role required"))
			middleware.WriteError(w, http.StatusForbidden, "forbidden", "issuer role required")
			return
		}
	}
	if req.Verify != nil {
		if req.Verify.Now != nil && !auth.ClaimsFromContext(r.Context()).IsAdmin() {
			s.logAuditEvent(r, audit.NewFailedEvent(caller, audit.ActionCombo, req.Verify.Subject, "time reference requires admin role"))
			middleware.WriteError(w, http.StatusForbidden, "forbidden", "now may only be set by admins")
			return
		}
		v := toVerifyRequest(req.Verify, caller)
		creq.Verify = &v
		subject = v.Subject
	}

	res, err := s.service.Combo(r.Context(), creq)
	if err != nil {
		failed := audit.NewFailedEvent(caller, audit.ActionCombo, subject, err.Error())
		failed.Metadata = map[string]any{"kind": req.Kind}
		if res != nil && res.Issued != nil {
			failed.LicenseID = res.Issued.Record.ID
		}
		s.logAuditEvent(r, failed)
		s.respondServiceError(w, r, err)
		return
	}

	resp := ComboResponse{
		Kind:         res.Kind,
		Verification: verifyResponse(res.Verification),
		Renewed:      res.Renewed,
	}
	event := audit.NewEvent(caller, audit.ActionCombo, "", subject)
	event.Outcome = res.Verification.Outcome.String()
	event.Metadata = map[string]any{"kind": req.Kind, "renewed": res.Renewed}
	if res.Issued != nil {
		lr, err := s.licenseResponse(r.Context(), res.Issued)
		if err != nil {
			s.respondServiceError(w, r, err)
			return
		}
		resp.License = lr
		event.LicenseID = res.Issued.Record.ID
	}
	s.logAuditEvent(r, event)

	s.respondJSON(w, http.StatusOK, resp)
}

// handleGet returns a stored license. Licenses of other subjects look like
// missing ones to callers that may not read them.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validation.ValidateLicenseID(id); err != nil {
		s.respondBadRequest(w, err)
		return
	}

	rec, err := s.service.Get(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if !canRead(r.Context(), rec.Subject) {
		s.respondServiceError(w, r, licensing.ErrNotFound)
		return
	}

	resp := RecordResponse{Record: rec}
	if revoked, err := s.service.IsRevoked(r.Context(), id); err == nil {
		resp.Revoked = &revoked
	} else {
		s.logger.Warn("revocation lookup failed", logging.LicenseID(id), logging.Error(err))
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleList lists the stored licenses of ?subject=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "subject query parameter is required")
		return
	}
	if !canRead(r.Context(), subject) {
		middleware.WriteError(w, http.StatusForbidden, "forbidden", "not allowed to list licenses of this subject")
		return
	}

	records, err := s.service.ListBySubject(r.Context(), subject)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if records == nil {
		records = []*licensing.Record{}
	}
	s.respondJSON(w, http.StatusOK, ListResponse{Subject: subject, Licenses: records, Count: len(records)})
}

// handleRevoke revokes a stored license.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r.Context())
	id := chi.URLParam(r, "id")
	if err := validation.ValidateLicenseID(id); err != nil {
		s.respondBadRequest(w, err)
		return
	}

	var req validation.RevokeLicenseRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.respondBadRequest(w, err)
		return
	}
	if err := validation.ValidateRevokeRequest(&req); err != nil {
		s.respondBadRequest(w, err)
		return
	}

	if err := s.service.Revoke(r.Context(), id, req.Reason); err != nil {
		failed := audit.NewFailedEvent(caller, audit.ActionRevoke, "", err.Error())
		failed.LicenseID = id
		s.logAuditEvent(r, failed)
		s.respondServiceError(w, r, err)
		return
	}

	event := audit.NewEvent(caller, audit.ActionRevoke, id, "")
	if req.Reason != "" {
		event.Metadata = map[string]any{"reason": req.Reason}
	}
	s.logAuditEvent(r, event)

	s.respondJSON(w, http.StatusOK, RevokeResponse{ID: id, Revoked: true})
}
