package licensing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const licenseColumns = `id, subject, scope, issued_at, expires_at, COALESCE(predecessor_id, ''), signature`

// Put stores a license. Writing the same ID twice is a no-op.
func (s *PGStore) Put(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO licenses (id, subject, scope, issued_at, expires_at, predecessor_id, signature)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.Subject,
		rec.Scope,
		rec.IssuedAt,
		rec.ExpiresAt,
		rec.PredecessorID,
		rec.Signature,
	)
	if err != nil {
		return fmt.Errorf("failed to store license: %w", err)
	}

	return nil
}

// Get retrieves a license by ID
func (s *PGStore) Get(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id = $1`

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license: %w", err)
	}

	return rec, nil
}

// ListBySubject returns every license bound to subject, newest first.
func (s *PGStore) ListBySubject(ctx context.Context, subject string) ([]*Record, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE subject = $1 ORDER BY issued_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// ClaimPredecessor records successorID as the only renewal of predecessorID.
func (s *PGStore) ClaimPredecessor(ctx context.Context, predecessorID, successorID string) error {
	query := `INSERT INTO license_renewals (predecessor_id, successor_id) VALUES ($1, $2)`

	_, err := s.pool.Exec(ctx, query, predecessorID, successorID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrPredecessorClaimed, predecessorID)
	}
	if err != nil {
		return fmt.Errorf("failed to claim predecessor: %w", err)
	}

	return nil
}

// IsRevoked reports whether id has been revoked.
func (s *PGStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	var revoked bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM license_revocations WHERE license_id = $1)`, id,
	).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return revoked, nil
}

// Revoke marks id as revoked. Revoking twice keeps the first reason.
func (s *PGStore) Revoke(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO license_revocations (license_id, reason) VALUES ($1, $2) ON CONFLICT (license_id) DO NOTHING`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke license: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	rec := &Record{}
	err := row.Scan(
		&rec.ID,
		&rec.Subject,
		&rec.Scope,
		&rec.IssuedAt,
		&rec.ExpiresAt,
		&rec.PredecessorID,
		&rec.Signature,
	)
	if err != nil {
		return nil, err
	}
	rec.IssuedAt = rec.IssuedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, nil
}
