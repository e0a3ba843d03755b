package memory

import (
	"context"
	"testing"
	"time"
)

func TestSessionStore_SetGetClear(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore(0)

	if id, _ := s.GetConversationID(ctx, "u1"); id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
	_ = s.SetConversationID(ctx, "u1", "c1")
	if id, _ := s.GetConversationID(ctx, "u1"); id != "c1" {
		t.Fatalf("expected c1, got %q", id)
	}
	_ = s.Clear(ctx, "u1")
	if id, _ := s.GetConversationID(ctx, "u1"); id != "" {
		t.Fatalf("expected empty id after clear, got %q", id)
	}
}

func TestSessionStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore(time.Hour)
	base := time.Now()
	s.now = func() time.Time { return base }
	_ = s.SetConversationID(ctx, "u1", "c1")

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	if id, _ := s.GetConversationID(ctx, "u1"); id != "" {
		t.Fatalf("expected expired id to be hidden, got %q", id)
	}
	n, _ := s.Prune(ctx, base.Add(2*time.Hour))
	if n != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", n)
	}
}
