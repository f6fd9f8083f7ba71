package ids

import (
	"strings"
	"testing"
	"time"
)

// TestNewLicenseIDUnique tests that IDs do not repeat and sort by mint order
func TestNewLicenseIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 10000; i++ {
		id := NewLicenseID()
		if !strings.HasPrefix(id, LicensePrefix) {
			t.Fatalf("id %q lacks prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		if prev != "" && id <= prev {
			t.Fatalf("ids not increasing: %q after %q", id, prev)
		}
		prev = id
	}
}

// TestTime tests extracting the timestamp from an ID
func TestTime(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := LicensePrefix + NewAt(at)

	got, ok := Time(id)
	if !ok {
		t.Fatalf("Time(%q) failed", id)
	}
	if !got.Equal(at) {
		t.Errorf("Time() = %v, want %v", got, at)
	}

	if _, ok := Time("lic_not-a-ulid"); ok {
		t.Error("expected invalid id to fail")
	}
}
