package licensing

import (
	"context"
	"errors"
)

// OwnerAuthorizer lets a caller renew a license it is the subject of.
// Admin callers may renew any license.
type OwnerAuthorizer struct {
	store  LicenseStore
	admins map[string]struct{}
}

// NewOwnerAuthorizer looks predecessors up in store.
func NewOwnerAuthorizer(store LicenseStore, admins ...string) *OwnerAuthorizer {
	a := &OwnerAuthorizer{store: store, admins: make(map[string]struct{}, len(admins))}
	for _, admin := range admins {
		if admin != "" {
			a.admins[admin] = struct{}{}
		}
	}
	return a
}

// IsAdmin reports whether caller is a configured admin.
func (a *OwnerAuthorizer) IsAdmin(caller string) bool {
	_, ok := a.admins[caller]
	return ok
}

// CanRenew reports whether caller may renew predecessorID. An unknown
// predecessor is never renewable.
func (a *OwnerAuthorizer) CanRenew(ctx context.Context, caller, predecessorID string) (bool, error) {
	if caller == "" {
		return false, nil
	}
	rec, err := a.store.Get(ctx, predecessorID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.IsAdmin(caller) || rec.Subject == caller, nil
}
