package channels

import (
	"fmt"
	"testing"
	"time"
)

func TestSenderLimiter_Burst(t *testing.T) {
	l := NewSenderLimiter(6, 2)
	base := time.Now()
	l.now = func() time.Time { return base }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst of 2 must be allowed")
	}
	if l.Allow("a") {
		t.Fatal("third message inside the burst window must be throttled")
	}
	if !l.Allow("b") {
		t.Fatal("other senders are independent")
	}

	// 6/min refills one token every 10s
	l.now = func() time.Time { return base.Add(11 * time.Second) }
	if !l.Allow("a") {
		t.Fatal("token should have refilled")
	}
}

func TestSenderLimiter_Disabled(t *testing.T) {
	l := NewSenderLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !l.Allow("a") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
}

func TestSenderLimiter_BoundedKeys(t *testing.T) {
	l := NewSenderLimiter(60, 1)
	for i := 0; i < maxTrackedKeys+50; i++ {
		l.Allow(fmt.Sprintf("sender-%d", i))
	}
	if n := l.Len(); n > maxTrackedKeys {
		t.Fatalf("tracked %d keys, cap is %d", n, maxTrackedKeys)
	}
}
