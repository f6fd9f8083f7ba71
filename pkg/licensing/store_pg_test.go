package licensing

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dd0wney/cluso-license/pkg/ids"
)

// newTestPGStore connects to DATABASE_URL or skips.
func newTestPGStore(t *testing.T) *PGStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := NewPGStore(ctx, url)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPGStore_RoundTrip(t *testing.T) {
	store := newTestPGStore(t)
	ctx := context.Background()
	subject := "pg-" + ids.New()

	rec := signedRecord(t, ids.NewLicenseID(), subject, testEpoch)
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, rec); err != nil {
		t.Errorf("repeated Put() error = %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.CanonicalBytes()) != string(rec.CanonicalBytes()) || string(got.Signature) != string(rec.Signature) {
		t.Error("stored record differs")
	}

	records, err := store.ListBySubject(ctx, subject)
	if err != nil || len(records) != 1 {
		t.Errorf("ListBySubject() = %d, %v", len(records), err)
	}

	if _, err := store.Get(ctx, "lic_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPGStore_ClaimsAndRevocations(t *testing.T) {
	store := newTestPGStore(t)
	ctx := context.Background()
	pred := ids.NewLicenseID()

	if err := store.ClaimPredecessor(ctx, pred, ids.NewLicenseID()); err != nil {
		t.Fatalf("ClaimPredecessor() error = %v", err)
	}
	if err := store.ClaimPredecessor(ctx, pred, ids.NewLicenseID()); !errors.Is(err, ErrPredecessorClaimed) {
		t.Errorf("second claim error = %v, want ErrPredecessorClaimed", err)
	}

	if err := store.Revoke(ctx, pred, "test"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if revoked, err := store.IsRevoked(ctx, pred); err != nil || !revoked {
		t.Errorf("IsRevoked() = %v, %v", revoked, err)
	}
}
