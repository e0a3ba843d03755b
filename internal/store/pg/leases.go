package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PGLeaseStore implements store.LeaseStore with a conditional upsert: a
// lease row is taken over only when its previous holder let it expire.
type PGLeaseStore struct {
	db *sql.DB
}

func NewPGLeaseStore(db *sql.DB) *PGLeaseStore {
	return &PGLeaseStore{db: db}
}

func (l *PGLeaseStore) Acquire(ctx context.Context, userID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO continuation_leases (user_id, owner, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		 WHERE continuation_leases.expires_at < $4`,
		userID, owner, now.Add(ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return n == 1, nil
}

func (l *PGLeaseStore) Release(ctx context.Context, userID, owner string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM continuation_leases WHERE user_id = $1 AND owner = $2`, userID, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (l *PGLeaseStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM continuation_leases WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("prune leases: %w", err)
	}
	return res.RowsAffected()
}
