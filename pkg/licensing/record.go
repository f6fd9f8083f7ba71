package licensing

import (
	"bytes"
	"slices"
	"strconv"
	"strings"
	"time"
)

// canonicalVersion prefixes every signed payload. Changing the layout of
// CanonicalBytes requires a new version string.
const canonicalVersion = "cluso-license/v1"

// Record is a signed license. Once signed it is immutable; renewal produces a
// new Record that points at this one through PredecessorID.
type Record struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject"`
	Scope         []string  `json:"scope"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	PredecessorID string    `json:"predecessor_id,omitempty"`
	Signature     []byte    `json:"-"`
}

// CanonicalBytes returns the deterministic encoding of every field except the
// signature. Each field is written as <decimal length>:<bytes>, so no value
// can be confused with a separator. Timestamps are Unix seconds.
func (r *Record) CanonicalBytes() []byte {
	var b bytes.Buffer
	b.WriteString(canonicalVersion)
	b.WriteByte(':')

	writeField(&b, r.ID)
	writeField(&b, r.Subject)
	writeField(&b, strconv.Itoa(len(r.Scope)))
	for _, tag := range r.Scope {
		writeField(&b, tag)
	}
	writeField(&b, strconv.FormatInt(r.IssuedAt.Unix(), 10))
	writeField(&b, strconv.FormatInt(r.ExpiresAt.Unix(), 10))
	writeField(&b, r.PredecessorID)

	return b.Bytes()
}

func writeField(b *bytes.Buffer, v string) {
	b.WriteString(strconv.Itoa(len(v)))
	b.WriteByte(':')
	b.WriteString(v)
	b.WriteByte(',')
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Scope = slices.Clone(r.Scope)
	c.Signature = slices.Clone(r.Signature)
	return &c
}

// Lifetime is the validity window the record was issued with.
func (r *Record) Lifetime() time.Duration {
	return r.ExpiresAt.Sub(r.IssuedAt)
}

// Remaining returns how long the record stays valid after now. It is
// negative once the record has expired.
func (r *Record) Remaining(now time.Time) time.Duration {
	return r.ExpiresAt.Sub(now)
}

// HasScope reports whether the record grants the entitlement tag.
func (r *Record) HasScope(tag string) bool {
	return slices.Contains(r.Scope, tag)
}

// NormalizeScope trims, sorts and deduplicates entitlement tags. Empty tags
// are dropped. The input slice is not modified.
func NormalizeScope(scope []string) []string {
	out := make([]string, 0, len(scope))
	for _, tag := range scope {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			out = append(out, tag)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// stamp truncates t to second precision in UTC, the resolution records carry.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
