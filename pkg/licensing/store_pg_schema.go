package licensing

import "context"

// migrate creates the necessary database tables
func (s *PGStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		scope TEXT[] NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		predecessor_id TEXT,
		signature BYTEA NOT NULL,
		stored_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (expires_at > issued_at)
	);

	CREATE TABLE IF NOT EXISTS license_renewals (
		predecessor_id TEXT PRIMARY KEY,
		successor_id TEXT UNIQUE NOT NULL,
		claimed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS license_revocations (
		license_id TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		revoked_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_licenses_subject ON licenses(subject);
	CREATE INDEX IF NOT EXISTS idx_licenses_expires_at ON licenses(expires_at);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}
