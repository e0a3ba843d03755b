// Package store defines the persistence contracts used by the reply
// orchestrator. Implementations live in the memory, sqlite and pg
// subpackages; the in-process pending-reply cache and dedup guard live in
// package reply.
package store

import (
	"context"
	"time"
)

// ConversationStore persists the backend conversation id per external user
// so that context survives across turns.
type ConversationStore interface {
	GetConversationID(ctx context.Context, userID string) (string, error)
	SetConversationID(ctx context.Context, userID, conversationID string) error
	Clear(ctx context.Context, userID string) error
}

// PendingReplyStore holds text that could not be pushed and is delivered on
// the user's next turn. Take is delete-on-read.
type PendingReplyStore interface {
	Put(ctx context.Context, userID, text string) error
	Take(ctx context.Context, userID string) (string, bool, error)
}

// MessageDeduper records inbound message ids and reports re-deliveries.
// CheckAndRecord must be atomic: of N concurrent calls with the same id,
// exactly one observes duplicate == false.
type MessageDeduper interface {
	CheckAndRecord(ctx context.Context, messageID string) (duplicate bool, err error)
}

// LeaseStore grants at most one holder per user at a time, across processes.
type LeaseStore interface {
	Acquire(ctx context.Context, userID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, userID, owner string) error
}

// Pruner removes expired rows. Called by the janitor.
type Pruner interface {
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// Stores is the top-level container for all storage backends.
// Dedup and Leases are nil when the process keeps that state in memory.
type Stores struct {
	Sessions ConversationStore
	Pending  PendingReplyStore // nil = in-process cache
	Dedup    MessageDeduper    // nil = in-process guard
	Leases   LeaseStore        // nil = in-process registry only
	Pruners  []Pruner

	// Shared reports whether the backing store is visible to every
	// instance. When false the dedup, pending and single-continuation
	// guarantees hold within one process only.
	Shared bool

	closeFn func() error
}

// SetCloser registers the function Close calls.
func (s *Stores) SetCloser(fn func() error) { s.closeFn = fn }

// Close releases backing resources.
func (s *Stores) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// DefaultConversationTTL is how long an idle conversation id is kept.
const DefaultConversationTTL = 7 * 24 * time.Hour
