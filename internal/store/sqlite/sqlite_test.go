package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) (*SessionStore, *PendingStore) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSessionStore(db, time.Hour), NewPendingStore(db, time.Minute)
}

func TestSessionStore_RoundTrip(t *testing.T) {
	sessions, _ := openTestDB(t)
	ctx := context.Background()

	if id, err := sessions.GetConversationID(ctx, "u1"); err != nil || id != "" {
		t.Fatalf("expected empty, got %q %v", id, err)
	}
	if err := sessions.SetConversationID(ctx, "u1", "c1"); err != nil {
		t.Fatal(err)
	}
	if err := sessions.SetConversationID(ctx, "u1", "c2"); err != nil {
		t.Fatal(err)
	}
	if id, _ := sessions.GetConversationID(ctx, "u1"); id != "c2" {
		t.Fatalf("expected c2, got %q", id)
	}
	if err := sessions.Clear(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if id, _ := sessions.GetConversationID(ctx, "u1"); id != "" {
		t.Fatalf("expected cleared, got %q", id)
	}
}

func TestSessionStore_Expiry(t *testing.T) {
	sessions, _ := openTestDB(t)
	ctx := context.Background()
	base := time.Now()
	sessions.now = func() time.Time { return base }
	_ = sessions.SetConversationID(ctx, "u1", "c1")

	sessions.now = func() time.Time { return base.Add(2 * time.Hour) }
	if id, _ := sessions.GetConversationID(ctx, "u1"); id != "" {
		t.Fatalf("expired conversation returned %q", id)
	}
	if n, err := sessions.Prune(ctx, base.Add(2*time.Hour)); err != nil || n != 1 {
		t.Fatalf("expected 1 pruned, got %d %v", n, err)
	}
}

func TestPendingStore_TakeOnce(t *testing.T) {
	_, pending := openTestDB(t)
	ctx := context.Background()

	if err := pending.Put(ctx, "u1", "first"); err != nil {
		t.Fatal(err)
	}
	if err := pending.Put(ctx, "u1", "second"); err != nil {
		t.Fatal(err)
	}
	text, ok, err := pending.Take(ctx, "u1")
	if err != nil || !ok || text != "second" {
		t.Fatalf("expected second, got %q %v %v", text, ok, err)
	}
	if _, ok, _ := pending.Take(ctx, "u1"); ok {
		t.Fatal("second take must be empty")
	}
}

func TestPendingStore_ExpiredDropped(t *testing.T) {
	_, pending := openTestDB(t)
	ctx := context.Background()
	base := time.Now()
	pending.now = func() time.Time { return base }
	_ = pending.Put(ctx, "u1", "old")
	_ = pending.Put(ctx, "u2", "old")

	pending.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok, _ := pending.Take(ctx, "u1"); ok {
		t.Fatal("expired entry must not be returned")
	}
	if n, _ := pending.Prune(ctx, base.Add(2*time.Minute)); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
}
