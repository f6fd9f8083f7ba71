package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dd0wney/cluso-license/pkg/api/middleware"
	"github.com/dd0wney/cluso-license/pkg/audit"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// handleAudit retrieves recent audit events with optional filtering
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := &audit.Filter{
		Caller:    query.Get("caller"),
		Action:    audit.Action(query.Get("action")),
		LicenseID: query.Get("license_id"),
		Subject:   query.Get("subject"),
		Status:    audit.Status(query.Get("status")),
	}

	for name, dst := range map[string]**time.Time{"start_time": &filter.StartTime, "end_time": &filter.EndTime} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "invalid_request", name+" must be an RFC 3339 timestamp")
			return
		}
		*dst = &t
	}

	limit := defaultAuditLimit
	if raw := query.Get("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l <= 0 {
			middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(l, maxAuditLimit)
	}

	events := s.auditLog.GetEvents(filter)
	if events == nil {
		events = []*audit.Event{}
	}
	// Keep the newest events when truncating.
	if len(events) > limit {
		events = events[len(events)-limit:]
	}

	s.respondJSON(w, http.StatusOK, AuditResponse{
		Events: events,
		Count:  len(events),
		Total:  s.auditLog.GetEventCount(),
	})
}

// handleKeys lists the IDs of the trusted verification keys.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, KeysResponse{KeyIDs: s.service.TrustedKeyIDs()})
}
