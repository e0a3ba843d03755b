package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/difybridge/internal/store"
)

// PGSessionStore implements store.ConversationStore backed by Postgres.
type PGSessionStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPGSessionStore(db *sql.DB, ttl time.Duration) *PGSessionStore {
	if ttl <= 0 {
		ttl = store.DefaultConversationTTL
	}
	return &PGSessionStore{db: db, ttl: ttl}
}

func (s *PGSessionStore) GetConversationID(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM conversations WHERE user_id = $1 AND updated_at > $2`,
		userID, time.Now().Add(-s.ttl),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get conversation: %w", err)
	}
	return id, nil
}

func (s *PGSessionStore) SetConversationID(ctx context.Context, userID, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, conversation_id, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET conversation_id = EXCLUDED.conversation_id, updated_at = EXCLUDED.updated_at`,
		userID, conversationID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("set conversation: %w", err)
	}
	return nil
}

func (s *PGSessionStore) Clear(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

func (s *PGSessionStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at <= $1`, now.Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("prune conversations: %w", err)
	}
	return res.RowsAffected()
}
