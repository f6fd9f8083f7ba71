// Package audit records who did what to which license.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action types for audit events
type Action string

const (
	ActionIssue      Action = "issue"
	ActionRenew      Action = "renew"
	ActionVerify     Action = "verify"
	ActionCombo      Action = "combo"
	ActionRevoke     Action = "revoke"
	ActionRotateKeys Action = "rotate_keys"
	ActionAuth       Action = "auth"
)

// Status represents the outcome of an action
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Event represents a single audit log entry
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Caller       string         `json:"caller,omitempty"`
	Action       Action         `json:"action"`
	LicenseID    string         `json:"license_id,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	Outcome      string         `json:"outcome,omitempty"`
	Status       Status         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Filter represents filtering criteria for audit events
type Filter struct {
	Caller    string
	Action    Action
	LicenseID string
	Subject   string
	Status    Status
	StartTime *time.Time
	EndTime   *time.Time
}

func (f *Filter) matches(event *Event) bool {
	if f == nil {
		return true
	}
	if f.Caller != "" && event.Caller != f.Caller {
		return false
	}
	if f.Action != "" && event.Action != f.Action {
		return false
	}
	if f.LicenseID != "" && event.LicenseID != f.LicenseID {
		return false
	}
	if f.Subject != "" && event.Subject != f.Subject {
		return false
	}
	if f.Status != "" && event.Status != f.Status {
		return false
	}
	if f.StartTime != nil && event.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && event.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Logger is the interface for audit logging implementations.
type Logger interface {
	// Log records an audit event
	Log(event *Event) error

	// GetEventCount returns the number of events logged
	GetEventCount() int64
}

// AuditLogger keeps the most recent events in a circular buffer.
type AuditLogger struct {
	events     []*Event
	bufferSize int
	index      int
	count      int
	mu         sync.RWMutex
}

// NewAuditLogger creates a new audit logger with specified buffer size
func NewAuditLogger(bufferSize int) *AuditLogger {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &AuditLogger{
		events:     make([]*Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Log records an audit event
func (l *AuditLogger) Log(event *Event) error {
	if event == nil {
		return fmt.Errorf("audit event is nil")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stamp(event)

	l.events[l.index] = event
	l.index = (l.index + 1) % l.bufferSize
	if l.count < l.bufferSize {
		l.count++
	}

	return nil
}

// GetEvents returns stored events oldest first, optionally filtered.
func (l *AuditLogger) GetEvents(filter *Filter) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Event, 0, l.count)
	for i := 0; i < l.count; i++ {
		idx := (l.index - l.count + i + l.bufferSize) % l.bufferSize
		event := l.events[idx]
		if event == nil || !filter.matches(event) {
			continue
		}
		result = append(result, event)
	}

	return result
}

// GetRecentEvents returns the N most recent events, newest first.
func (l *AuditLogger) GetRecentEvents(n int) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > l.count {
		n = l.count
	}

	result := make([]*Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.index - 1 - i + l.bufferSize) % l.bufferSize
		if l.events[idx] != nil {
			result = append(result, l.events[idx])
		}
	}

	return result
}

// GetEventCount returns the total number of events currently stored
func (l *AuditLogger) GetEventCount() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(l.count)
}

// Clear removes all events from the logger
func (l *AuditLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = make([]*Event, l.bufferSize)
	l.index = 0
	l.count = 0
}

func stamp(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
}

// NewEvent creates a successful event.
func NewEvent(caller string, action Action, licenseID, subject string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Caller:    caller,
		Action:    action,
		LicenseID: licenseID,
		Subject:   subject,
		Status:    StatusSuccess,
	}
}

// NewFailedEvent creates a failed event with error message
func NewFailedEvent(caller string, action Action, subject, errorMsg string) *Event {
	return &Event{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		Caller:       caller,
		Action:       action,
		Subject:      subject,
		Status:       StatusFailure,
		ErrorMessage: errorMsg,
	}
}

// String returns a human-readable representation of an event
func (e *Event) String() string {
	caller := e.Caller
	if caller == "" {
		caller = "anonymous"
	}
	return fmt.Sprintf("[%s] %s %s license=%s subject=%s (status: %s)",
		e.Timestamp.Format(time.RFC3339),
		caller,
		e.Action,
		e.LicenseID,
		e.Subject,
		e.Status,
	)
}

// Multi logs every event to each of its loggers.
type Multi []Logger

// Log records event in every logger and returns the first error.
func (m Multi) Log(event *Event) error {
	var firstErr error
	for _, l := range m {
		if err := l.Log(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetEventCount returns the first logger's count.
func (m Multi) GetEventCount() int64 {
	if len(m) == 0 {
		return 0
	}
	return m[0].GetEventCount()
}
