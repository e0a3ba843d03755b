package reply

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func blockedFuture(release <-chan struct{}, text string) *Future[*Answer] {
	return Go(context.Background(), 0, func(ctx context.Context) (*Answer, error) {
		select {
		case <-release:
			return &Answer{Text: text}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func TestManager_SpawnDeliversAnswer(t *testing.T) {
	pusher := &fakePusher{}
	m := NewManager(NewFallbackChain(pusher, NewMemoryPending(0)), ManagerConfig{Apology: "sorry"})

	release := make(chan struct{})
	if got := m.Spawn(context.Background(), "u1", blockedFuture(release, "done")); got != Spawned {
		t.Fatalf("expected Spawned, got %v", got)
	}
	st, ok := m.Status()["u1"]
	if !ok || !st.Running || st.State != "running" {
		t.Fatalf("unexpected status %+v", st)
	}

	close(release)
	if err := m.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if pusher.get("u1") != "done" {
		t.Fatalf("expected pushed answer, got %q", pusher.get("u1"))
	}
	if m.Running("u1") {
		t.Fatal("registry entry must be removed after completion")
	}
}

func TestManager_SingleContinuationPerUser(t *testing.T) {
	m := NewManager(NewFallbackChain(&fakePusher{}, NewMemoryPending(0)), ManagerConfig{})
	release := make(chan struct{})
	defer close(release)

	if got := m.Spawn(context.Background(), "u1", blockedFuture(release, "a")); got != Spawned {
		t.Fatalf("expected Spawned, got %v", got)
	}
	if got := m.Spawn(context.Background(), "u1", blockedFuture(release, "b")); got != AlreadyRunning {
		t.Fatalf("expected AlreadyRunning, got %v", got)
	}
	if n := len(m.Status()); n != 1 {
		t.Fatalf("expected one task, got %d", n)
	}
}

func TestManager_FailureDeliversApology(t *testing.T) {
	pusher := &fakePusher{}
	m := NewManager(NewFallbackChain(pusher, NewMemoryPending(0)), ManagerConfig{Apology: "sorry"})
	f := Go(context.Background(), 0, func(ctx context.Context) (*Answer, error) {
		return nil, ErrUpstreamFailure
	})
	m.Spawn(context.Background(), "u1", f)
	_ = m.Wait(context.Background())
	if pusher.get("u1") != "sorry" {
		t.Fatalf("expected apology, got %q", pusher.get("u1"))
	}
}

func TestManager_PanickingDelivererStillCleansUp(t *testing.T) {
	m := NewManager(panicDeliverer{}, ManagerConfig{})
	f := Go(context.Background(), 0, func(ctx context.Context) (*Answer, error) {
		return &Answer{Text: "x"}, nil
	})
	m.Spawn(context.Background(), "u1", f)
	_ = m.Wait(context.Background())
	if m.Running("u1") {
		t.Fatal("entry must be removed even when delivery panics")
	}
}

type panicDeliverer struct{}

func (panicDeliverer) DeliverOrCache(context.Context, string, string) DeliveryOutcome {
	panic("boom")
}

func TestManager_ForceComplete(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		m := NewManager(NewFallbackChain(nil, NewMemoryPending(0)), ManagerConfig{})
		if got := m.ForceComplete(context.Background(), "nobody", time.Millisecond); got != ForceNotFound {
			t.Fatalf("expected NotFound, got %v", got)
		}
	})

	t.Run("finishes within wait", func(t *testing.T) {
		m := NewManager(NewFallbackChain(nil, NewMemoryPending(0)), ManagerConfig{})
		release := make(chan struct{})
		m.Spawn(context.Background(), "u1", blockedFuture(release, "ok"))
		go func() {
			time.Sleep(10 * time.Millisecond)
			close(release)
		}()
		if got := m.ForceComplete(context.Background(), "u1", time.Second); got != ForceCompleted {
			t.Fatalf("expected Completed, got %v", got)
		}
		_ = m.Wait(context.Background())
	})

	t.Run("cancelled after wait", func(t *testing.T) {
		var (
			mu     sync.Mutex
			states []TaskState
		)
		pending := NewMemoryPending(0)
		m := NewManager(NewFallbackChain(nil, pending), ManagerConfig{Apology: "sorry"})
		m.OnFinish = func(_ string, s TaskState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}
		release := make(chan struct{})
		defer close(release)
		f := blockedFuture(release, "never")
		m.Spawn(context.Background(), "u1", f)

		if got := m.ForceComplete(context.Background(), "u1", 10*time.Millisecond); got != ForceCancelled {
			t.Fatalf("expected Cancelled, got %v", got)
		}
		if _, err := f.Result(); !errors.Is(err, context.Canceled) {
			t.Fatalf("work should observe cancellation, got %v", err)
		}
		_ = m.Wait(context.Background())

		mu.Lock()
		defer mu.Unlock()
		if len(states) != 1 || states[0] != TaskCancelled {
			t.Fatalf("unexpected terminal states %v", states)
		}
		if text, ok, _ := pending.Take(context.Background(), "u1"); !ok || text != "sorry" {
			t.Fatalf("expected cached apology, got %q", text)
		}
	})
}

type fakeLeases struct {
	mu     sync.Mutex
	held   map[string]string
	denied bool
}

func (l *fakeLeases) Acquire(_ context.Context, userID, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denied {
		return false, nil
	}
	if l.held == nil {
		l.held = make(map[string]string)
	}
	if _, ok := l.held[userID]; ok {
		return false, nil
	}
	l.held[userID] = owner
	return true, nil
}

func (l *fakeLeases) Release(_ context.Context, userID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[userID] == owner {
		delete(l.held, userID)
	}
	return nil
}

func (l *fakeLeases) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

func TestManager_Leases(t *testing.T) {
	leases := &fakeLeases{}
	m := NewManager(NewFallbackChain(&fakePusher{}, NewMemoryPending(0)), ManagerConfig{Leases: leases})
	release := make(chan struct{})
	m.Spawn(context.Background(), "u1", blockedFuture(release, "a"))
	if leases.count() != 1 {
		t.Fatal("lease not acquired")
	}
	close(release)
	_ = m.Wait(context.Background())
	if leases.count() != 0 {
		t.Fatal("lease not released")
	}

	other := NewManager(NewFallbackChain(nil, NewMemoryPending(0)), ManagerConfig{Leases: &fakeLeases{denied: true}})
	f := blockedFuture(nil, "b")
	defer f.Cancel()
	if got := other.Spawn(context.Background(), "u1", f); got != AlreadyRunning {
		t.Fatalf("expected AlreadyRunning when another instance holds the lease, got %v", got)
	}
	if other.Running("u1") {
		t.Fatal("denied spawn must not leave an entry")
	}
}
