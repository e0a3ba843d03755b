package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/difybridge/internal/config"
	"github.com/nextlevelbuilder/difybridge/internal/janitor"
	"github.com/nextlevelbuilder/difybridge/internal/reply"
	"github.com/nextlevelbuilder/difybridge/internal/store"
	"github.com/nextlevelbuilder/difybridge/internal/store/memory"
	"github.com/nextlevelbuilder/difybridge/internal/store/pg"
	"github.com/nextlevelbuilder/difybridge/internal/store/sqlite"
)

// buildStores opens the storage backend named by sessions.storage and fills
// in in-process dedup and pending caches where the backend has none.
func buildStores(cfg *config.Config) (*store.Stores, error) {
	var (
		stores *store.Stores
		err    error
	)
	switch strings.ToLower(cfg.Sessions.Storage) {
	case "postgres":
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("sessions.storage=postgres requires DIFYBRIDGE_POSTGRES_DSN")
		}
		stores, err = pg.NewPGStores(pg.Config{
			DSN:             cfg.Database.PostgresDSN,
			ConversationTTL: cfg.Sessions.TTL(),
			PendingTTL:      cfg.Reply.PendingTTL(),
			DedupCapacity:   cfg.Reply.DedupCapacity,
		})
	case "sqlite":
		stores, err = sqlite.NewStores(config.ExpandHome(cfg.Sessions.Path), cfg.Sessions.TTL(), cfg.Reply.PendingTTL())
	case "", "memory":
		sessions := memory.NewSessionStore(cfg.Sessions.TTL())
		stores = &store.Stores{Sessions: sessions, Pruners: []store.Pruner{sessions}}
	default:
		return nil, fmt.Errorf("unknown sessions.storage %q", cfg.Sessions.Storage)
	}
	if err != nil {
		return nil, err
	}

	if stores.Pending == nil {
		pending := reply.NewMemoryPending(cfg.Reply.PendingTTL())
		stores.Pending = pending
		stores.Pruners = append(stores.Pruners, pending)
	}
	if stores.Dedup == nil {
		stores.Dedup = reply.NewDedup(cfg.Reply.DedupCapacity)
	}

	if !stores.Shared {
		slog.Warn("storage is process-local: duplicate suppression, pending replies and the one-continuation-per-user rule hold within this instance only; run a single replica or use sessions.storage=postgres",
			"storage", cfg.Sessions.Storage)
	}
	return stores, nil
}

func namedPruners(stores *store.Stores) []janitor.Named {
	out := make([]janitor.Named, 0, len(stores.Pruners))
	for _, p := range stores.Pruners {
		out = append(out, janitor.Named{Name: prunerName(p), Pruner: p})
	}
	return out
}

// prunerName turns "*pg.PGPendingStore" into "pg.pendingstore".
func prunerName(p store.Pruner) string {
	name := strings.TrimPrefix(fmt.Sprintf("%T", p), "*")
	pkg, typ, ok := strings.Cut(name, ".")
	if !ok {
		return strings.ToLower(name)
	}
	typ = strings.TrimPrefix(typ, "PG")
	typ = strings.TrimPrefix(typ, "Memory")
	return pkg + "." + strings.ToLower(typ)
}
