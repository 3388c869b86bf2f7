package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/rewindly/agent/internal/errors"
)

// AcquireSyncLease takes the single sync lease for owner until now+ttl. It
// succeeds when the lease is free, expired, or already held by owner, so
// agents in different processes never upload the same queue at once.
func AcquireSyncLease(ctx context.Context, db *sql.DB, owner string, now time.Time, ttl time.Duration) (bool, error) {
	result, err := db.ExecContext(ctx, `
		INSERT INTO sync_lease (id, owner, expires_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE sync_lease.expires_at <= ? OR sync_lease.owner = excluded.owner
	`, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, errors.NewPersistence("acquire sync lease", err)
	}
	n, err := rowsAffected(result, "acquire sync lease")
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseSyncLease drops the lease if owner still holds it.
func ReleaseSyncLease(ctx context.Context, db *sql.DB, owner string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM sync_lease WHERE id = 1 AND owner = ?`, owner); err != nil {
		return errors.NewPersistence("release sync lease", err)
	}
	return nil
}
