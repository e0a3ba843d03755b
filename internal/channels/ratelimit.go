// Package channels holds transport-neutral helpers shared by messaging
// channels.
package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked senders so rotating ids
	// cannot exhaust memory.
	maxTrackedKeys = 4096

	// idleEviction is how long an untouched limiter is kept.
	idleEviction = 10 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// SenderLimiter applies a token bucket per sender key with a bounded key
// set. Safe for concurrent use.
type SenderLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewSenderLimiter allows perMinute messages per sender with the given
// burst. perMinute <= 0 disables limiting.
func NewSenderLimiter(perMinute, burst int) *SenderLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := rate.Inf
	if perMinute > 0 {
		l = rate.Limit(float64(perMinute) / 60.0)
	}
	return &SenderLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   l,
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether key may send now, consuming one token if so.
func (s *SenderLimiter) Allow(key string) bool {
	if s == nil || s.limit == rate.Inf {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if len(s.entries) >= maxTrackedKeys {
		s.evictLocked(now)
	}

	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(s.limit, s.burst)}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

func (s *SenderLimiter) evictLocked(now time.Time) {
	for k, e := range s.entries {
		if now.Sub(e.lastSeen) >= idleEviction {
			delete(s.entries, k)
		}
	}
	// still full: drop arbitrary keys
	for k := range s.entries {
		if len(s.entries) < maxTrackedKeys {
			break
		}
		delete(s.entries, k)
	}
}

// Len returns the number of tracked senders.
func (s *SenderLimiter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
