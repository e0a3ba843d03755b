package reply

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/difybridge/internal/store"
)

// DefaultPendingTTL is how long an undelivered reply waits for the user's
// next turn.
const DefaultPendingTTL = 600 * time.Second

// PendingReply is text awaiting delivery on the user's next turn.
type PendingReply struct {
	Text      string
	CreatedAt time.Time
}

// MemoryPending is the in-process pending reply cache. Take is
// delete-on-read, so at most one reader ever sees a given entry.
type MemoryPending struct {
	mu      sync.Mutex
	entries map[string]PendingReply
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryPending creates a cache whose entries live for ttl
// (DefaultPendingTTL when ttl <= 0).
func NewMemoryPending(ttl time.Duration) *MemoryPending {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &MemoryPending{
		entries: make(map[string]PendingReply),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put stores text for userID, replacing any previous entry.
func (p *MemoryPending) Put(_ context.Context, userID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[userID] = PendingReply{Text: text, CreatedAt: p.now()}
	return nil
}

// Take returns and removes the entry for userID. Expired entries are
// dropped and reported as absent.
func (p *MemoryPending) Take(_ context.Context, userID string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	if !ok {
		return "", false, nil
	}
	delete(p.entries, userID)
	if p.now().Sub(e.CreatedAt) >= p.ttl {
		return "", false, nil
	}
	return e.Text, true, nil
}

// Len returns the number of cached entries, expired ones included.
func (p *MemoryPending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Prune drops expired entries.
func (p *MemoryPending) Prune(_ context.Context, now time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for k, e := range p.entries {
		if now.Sub(e.CreatedAt) >= p.ttl {
			delete(p.entries, k)
			n++
		}
	}
	return n, nil
}

var (
	_ store.PendingReplyStore = (*MemoryPending)(nil)
	_ store.Pruner            = (*MemoryPending)(nil)
)
