package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PGPendingStore implements store.PendingReplyStore. Take is a single
// DELETE ... RETURNING, so exactly one instance receives a given reply.
type PGPendingStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPGPendingStore(db *sql.DB, ttl time.Duration) *PGPendingStore {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &PGPendingStore{db: db, ttl: ttl}
}

func (p *PGPendingStore) Put(ctx context.Context, userID, text string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO pending_replies (user_id, text, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET text = EXCLUDED.text, expires_at = EXCLUDED.expires_at`,
		userID, text, time.Now().Add(p.ttl),
	)
	if err != nil {
		return fmt.Errorf("put pending reply: %w", err)
	}
	return nil
}

func (p *PGPendingStore) Take(ctx context.Context, userID string) (string, bool, error) {
	var text string
	var expires time.Time
	err := p.db.QueryRowContext(ctx,
		`DELETE FROM pending_replies WHERE user_id = $1 RETURNING text, expires_at`, userID,
	).Scan(&text, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("take pending reply: %w", err)
	}
	if !time.Now().Before(expires) {
		return "", false, nil
	}
	return text, true, nil
}

func (p *PGPendingStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM pending_replies WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("prune pending replies: %w", err)
	}
	return res.RowsAffected()
}
