package cmd

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/difybridge/internal/config"
	"github.com/nextlevelbuilder/difybridge/internal/reply"
	"github.com/nextlevelbuilder/difybridge/internal/store/memory"
)

func TestReplyConfigFrom(t *testing.T) {
	rc := config.Default().Reply
	rc.GroupTrigger = "@bot"
	rc.Texts.Waiting = "hold on"

	got := replyConfigFrom(rc)
	if got.Deadline != 4500*time.Millisecond || got.ContinuationTimeout != 30*time.Second {
		t.Fatalf("unexpected durations %+v", got)
	}
	if got.MaxLength != 2000 || got.GroupTrigger != "@bot" || got.Texts.Waiting != "hold on" {
		t.Fatalf("unexpected config %+v", got)
	}
}

func TestBuildStores_MemoryFillsInProcessState(t *testing.T) {
	cfg := config.Default()
	stores, err := buildStores(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer stores.Close()

	if stores.Shared {
		t.Fatal("memory storage must not report shared")
	}
	if _, ok := stores.Pending.(*reply.MemoryPending); !ok {
		t.Fatalf("expected in-process pending cache, got %T", stores.Pending)
	}
	if _, ok := stores.Dedup.(*reply.Dedup); !ok {
		t.Fatalf("expected in-process dedup, got %T", stores.Dedup)
	}
	if len(stores.Pruners) != 2 {
		t.Fatalf("expected sessions and pending pruners, got %d", len(stores.Pruners))
	}
}

func TestBuildStores_SQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.Storage = "sqlite"
	cfg.Sessions.Path = t.TempDir() + "/state.db"

	stores, err := buildStores(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer stores.Close()
	if _, ok := stores.Pending.(*reply.MemoryPending); ok {
		t.Fatal("sqlite storage should persist pending replies")
	}
}

func TestBuildStores_Errors(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.Storage = "postgres"
	if _, err := buildStores(cfg); err == nil {
		t.Fatal("postgres without DSN must fail")
	}
	cfg.Sessions.Storage = "redis"
	if _, err := buildStores(cfg); err == nil {
		t.Fatal("unknown storage must fail")
	}
}

func TestPrunerName(t *testing.T) {
	if got := prunerName(memory.NewSessionStore(0)); got != "memory.sessionstore" {
		t.Fatalf("got %q", got)
	}
	if got := prunerName(reply.NewMemoryPending(time.Minute)); got != "reply.pending" {
		t.Fatalf("got %q", got)
	}
}
