package licensing

import "time"

// EventType names a license lifecycle transition.
type EventType string

const (
	EventIssued    EventType = "license.issued"
	EventRenewed   EventType = "license.renewed"
	EventRevoked   EventType = "license.revoked"
	EventInvariant EventType = "license.invariant_violation"
)

// Event describes one lifecycle transition. It carries no signature; the
// record itself is fetched from the store when needed.
type Event struct {
	Type          EventType `json:"type"`
	LicenseID     string    `json:"license_id"`
	Subject       string    `json:"subject,omitempty"`
	Scope         []string  `json:"scope,omitempty"`
	PredecessorID string    `json:"predecessor_id,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

func eventFor(typ EventType, r *Record, at time.Time) Event {
	return Event{
		Type:          typ,
		LicenseID:     r.ID,
		Subject:       r.Subject,
		Scope:         r.Scope,
		PredecessorID: r.PredecessorID,
		ExpiresAt:     r.ExpiresAt,
		At:            at,
	}
}
