package reply

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRace_CompletesBeforeDeadline(t *testing.T) {
	f := Go(context.Background(), 0, func(ctx context.Context) (string, error) {
		return "Hello", nil
	})
	v, out, err := Race(context.Background(), f, time.Second)
	if out != Completed || err != nil || v != "Hello" {
		t.Fatalf("got %q %v %v", v, err, out)
	}
}

func TestRace_TimeoutLeavesWorkRunning(t *testing.T) {
	release := make(chan struct{})
	f := Go(context.Background(), 0, func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	_, out, err := Race(context.Background(), f, 20*time.Millisecond)
	if out != TimedOut || !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected timeout, got %v %v", out, err)
	}

	close(release)
	v, err := f.Wait(context.Background())
	if err != nil || v != "late" {
		t.Fatalf("work must finish after timeout, got %q %v", v, err)
	}
}

func TestRace_CallerCancelDoesNotCancelWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	f := Go(ctx, 0, func(workCtx context.Context) (int, error) {
		select {
		case <-release:
			return 1, nil
		case <-workCtx.Done():
			return 0, workCtx.Err()
		}
	})
	cancel()

	_, out, _ := Race(ctx, f, time.Second)
	if out != TimedOut {
		t.Fatalf("expected TimedOut on caller cancel, got %v", out)
	}
	close(release)
	if v, err := f.Result(); err != nil || v != 1 {
		t.Fatalf("work should complete, got %d %v", v, err)
	}
}

func TestFuture_CancelAndPanic(t *testing.T) {
	f := Go(context.Background(), 0, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	f.Cancel()
	if _, err := f.Result(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}

	p := Go(context.Background(), 0, func(ctx context.Context) (int, error) {
		panic("boom")
	})
	if _, err := p.Result(); !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("expected panic to surface as upstream failure, got %v", err)
	}
}
