// Package memory keeps conversation ids in process memory. It is the
// fallback when no database is configured and loses state on restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/difybridge/internal/store"
)

type sessionEntry struct {
	conversationID string
	updated        time.Time
}

// SessionStore implements store.ConversationStore in memory.
type SessionStore struct {
	mu      sync.RWMutex
	entries map[string]sessionEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewSessionStore creates an in-memory conversation store. ttl <= 0 uses
// store.DefaultConversationTTL.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = store.DefaultConversationTTL
	}
	return &SessionStore{
		entries: make(map[string]sessionEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *SessionStore) GetConversationID(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if !ok || s.now().Sub(e.updated) >= s.ttl {
		return "", nil
	}
	return e.conversationID, nil
}

func (s *SessionStore) SetConversationID(_ context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = sessionEntry{conversationID: conversationID, updated: s.now()}
	return nil
}

func (s *SessionStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}

// Prune drops conversations idle for longer than the TTL.
func (s *SessionStore) Prune(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if now.Sub(e.updated) >= s.ttl {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

var (
	_ store.ConversationStore = (*SessionStore)(nil)
	_ store.Pruner            = (*SessionStore)(nil)
)
