// Package ids generates license identifiers.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// LicensePrefix marks identifiers minted for licenses.
const LicensePrefix = "lic_"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a lexicographically sortable identifier. IDs minted in the same
// millisecond are strictly increasing.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns an identifier carrying the timestamp t.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewLicenseID returns a prefixed license identifier.
func NewLicenseID() string {
	return LicensePrefix + New()
}

// Time extracts the mint time of a license identifier.
func Time(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(strings.TrimPrefix(id, LicensePrefix))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
