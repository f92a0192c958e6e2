package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Lease is a named, time-bounded claim held by one owner.
type Lease struct {
	Name       string
	Owner      string
	ExpiresAt  time.Time
	AcquiredAt time.Time
}

// AcquireLease claims the named lease for owner until now+ttl.
//
// The claim succeeds when the lease is free, expired, or already held by
// owner (which extends it). Returns false without error when another owner
// holds an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	name = strings.TrimSpace(name)
	owner = strings.TrimSpace(owner)
	if name == "" {
		return false, fmt.Errorf("acquire lease: name is required")
	}
	if owner == "" {
		return false, fmt.Errorf("acquire lease: owner is required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("acquire lease: ttl must be greater than zero")
	}

	nowMillis := now.UTC().UnixMilli()
	expiresMillis := now.Add(ttl).UTC().UnixMilli()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, owner, expires_at, acquired_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at,
			acquired_at = CASE
				WHEN leases.owner = excluded.owner THEN leases.acquired_at
				ELSE excluded.acquired_at
			END
		WHERE leases.owner = excluded.owner OR leases.expires_at <= ?
	`, name, owner, expiresMillis, nowMillis, nowMillis)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, translateFull(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s rows affected: %w", name, err)
	}
	if n == 0 {
		s.logger.Debug("lease held by another owner", "lease", name, "owner", owner)
		return false, nil
	}
	return true, nil
}

// RenewLease extends a lease the owner still holds. Returns false when the
// lease has expired or changed hands.
func (s *Store) RenewLease(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("renew lease: ttl must be greater than zero")
	}
	nowMillis := now.UTC().UnixMilli()
	result, err := s.db.ExecContext(ctx, `
		UPDATE leases
		SET expires_at = ?
		WHERE name = ? AND owner = ? AND expires_at > ?
	`, now.Add(ttl).UTC().UnixMilli(), name, owner, nowMillis)
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew lease %s rows affected: %w", name, err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if owner holds it. Releasing a lease held by
// someone else is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM leases WHERE name = ? AND owner = ?
	`, name, owner); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// GetLease returns the current lease row, or ErrNotFound.
// The returned lease may already be expired.
func (s *Store) GetLease(ctx context.Context, name string) (Lease, error) {
	var (
		lease               Lease
		expires, acquiredAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, owner, expires_at, acquired_at FROM leases WHERE name = ?
	`, name).Scan(&lease.Name, &lease.Owner, &expires, &acquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrNotFound
	}
	if err != nil {
		return Lease{}, fmt.Errorf("get lease %s: %w", name, err)
	}
	lease.ExpiresAt = time.UnixMilli(expires).UTC()
	lease.AcquiredAt = time.UnixMilli(acquiredAt).UTC()
	return lease, nil
}
