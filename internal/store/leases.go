package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AcquireLease obtains the named advisory lease for owner until now+ttl.
// Returns false when another owner holds an unexpired lease. An owner
// re-acquiring its own lease extends it. Leases coordinate work that
// must run at most once concurrently, such as summary generation for a
// single cluster.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var curOwner, expiresStr string
	err = tx.QueryRowContext(ctx,
		`SELECT owner, expires_at FROM leases WHERE name = ?`, name,
	).Scan(&curOwner, &expiresStr)
	switch {
	case err == sql.ErrNoRows:
		// free
	case err != nil:
		return false, fmt.Errorf("read lease %s: %w", name, err)
	default:
		expires, _ := time.Parse(time.RFC3339, expiresStr)
		if curOwner != owner && now.Before(expires) {
			return false, nil
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO leases (name, owner, expires_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE
		 SET owner = excluded.owner, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		name, owner, now.Add(ttl).Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("write lease %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ReleaseLease frees the named lease if owner still holds it. Releasing
// a lease held by someone else, or no one, is not an error.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner,
	)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
