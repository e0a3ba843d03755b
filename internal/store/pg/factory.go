package pg

import (
	"fmt"
	"time"

	"github.com/nextlevelbuilder/difybridge/internal/store"
)

// Config holds the Postgres store settings.
type Config struct {
	DSN             string
	ConversationTTL time.Duration
	PendingTTL      time.Duration
	DedupCapacity   int
}

// NewPGStores creates all stores backed by Postgres (shared mode). Every
// instance pointed at the same database sees the same dedup set, pending
// replies and continuation leases.
func NewPGStores(cfg Config) (*store.Stores, error) {
	db, err := OpenDB(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sessions := NewPGSessionStore(db, cfg.ConversationTTL)
	pending := NewPGPendingStore(db, cfg.PendingTTL)
	leases := NewPGLeaseStore(db)

	s := &store.Stores{
		Sessions: sessions,
		Pending:  pending,
		Dedup:    NewPGDeduper(db, cfg.DedupCapacity),
		Leases:   leases,
		Pruners:  []store.Pruner{sessions, pending, leases},
		Shared:   true,
	}
	s.SetCloser(db.Close)
	return s, nil
}

var (
	_ store.ConversationStore = (*PGSessionStore)(nil)
	_ store.PendingReplyStore = (*PGPendingStore)(nil)
	_ store.MessageDeduper    = (*PGDeduper)(nil)
	_ store.LeaseStore        = (*PGLeaseStore)(nil)
	_ store.Pruner            = (*PGSessionStore)(nil)
	_ store.Pruner            = (*PGPendingStore)(nil)
	_ store.Pruner            = (*PGLeaseStore)(nil)
)
