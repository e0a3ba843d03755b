// Package sqlite persists conversation ids and pending replies in a local
// SQLite file. It survives restarts but is not shared between instances.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/difybridge/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	user_id         TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_replies (
	user_id    TEXT PRIMARY KEY,
	text       TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_expires ON pending_replies(expires_at);
`

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer serializes Take's DELETE ... RETURNING
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return db, nil
}

// SessionStore implements store.ConversationStore.
type SessionStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewSessionStore(db *sql.DB, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = store.DefaultConversationTTL
	}
	return &SessionStore{db: db, ttl: ttl, now: time.Now}
}

func (s *SessionStore) GetConversationID(ctx context.Context, userID string) (string, error) {
	var id string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, updated_at FROM conversations WHERE user_id = ?`, userID,
	).Scan(&id, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get conversation: %w", err)
	}
	if s.now().Sub(time.Unix(updated, 0)) >= s.ttl {
		return "", nil
	}
	return id, nil
}

func (s *SessionStore) SetConversationID(ctx context.Context, userID, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, conversation_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET conversation_id = excluded.conversation_id, updated_at = excluded.updated_at`,
		userID, conversationID, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set conversation: %w", err)
	}
	return nil
}

func (s *SessionStore) Clear(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

func (s *SessionStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at <= ?`, now.Add(-s.ttl).Unix())
	if err != nil {
		return 0, fmt.Errorf("prune conversations: %w", err)
	}
	return res.RowsAffected()
}

// PendingStore implements store.PendingReplyStore.
type PendingStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewPendingStore(db *sql.DB, ttl time.Duration) *PendingStore {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &PendingStore{db: db, ttl: ttl, now: time.Now}
}

func (p *PendingStore) Put(ctx context.Context, userID, text string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO pending_replies (user_id, text, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET text = excluded.text, expires_at = excluded.expires_at`,
		userID, text, p.now().Add(p.ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put pending reply: %w", err)
	}
	return nil
}

// Take reads and deletes in one statement so concurrent takers cannot both
// see the entry.
func (p *PendingStore) Take(ctx context.Context, userID string) (string, bool, error) {
	var text string
	var expires int64
	err := p.db.QueryRowContext(ctx,
		`DELETE FROM pending_replies WHERE user_id = ? RETURNING text, expires_at`, userID,
	).Scan(&text, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("take pending reply: %w", err)
	}
	if p.now().UnixMilli() >= expires {
		return "", false, nil
	}
	return text, true, nil
}

func (p *PendingStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM pending_replies WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune pending replies: %w", err)
	}
	return res.RowsAffected()
}

// NewStores opens the database at path and returns the sqlite-backed stores.
// Dedup and leases stay in process.
func NewStores(path string, conversationTTL, pendingTTL time.Duration) (*store.Stores, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	sessions := NewSessionStore(db, conversationTTL)
	pending := NewPendingStore(db, pendingTTL)
	s := &store.Stores{
		Sessions: sessions,
		Pending:  pending,
		Pruners:  []store.Pruner{sessions, pending},
	}
	s.SetCloser(db.Close)
	return s, nil
}

var (
	_ store.ConversationStore = (*SessionStore)(nil)
	_ store.PendingReplyStore = (*PendingStore)(nil)
	_ store.Pruner            = (*SessionStore)(nil)
	_ store.Pruner            = (*PendingStore)(nil)
)
