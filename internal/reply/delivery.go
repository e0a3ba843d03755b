package reply

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/difybridge/internal/store"
)

// Pusher sends text to a user outside the synchronous webhook reply.
// Failure reasons (authorization, rate limits, account tier) are opaque.
type Pusher interface {
	Push(ctx context.Context, userID, text string) error
}

// DeliveryOutcome is the result of DeliverOrCache.
type DeliveryOutcome int

const (
	// Delivered means the push API accepted the message.
	Delivered DeliveryOutcome = iota
	// Cached means the text waits in the pending store for the next turn.
	Cached
)

func (o DeliveryOutcome) String() string {
	if o == Cached {
		return "cached"
	}
	return "delivered"
}

// FallbackChain pushes completed continuations and falls back to the
// pending reply store when the push fails.
type FallbackChain struct {
	pusher  Pusher // nil = push unavailable
	pending store.PendingReplyStore

	// OnOutcome, when set, observes every delivery attempt.
	OnOutcome func(DeliveryOutcome)
}

// NewFallbackChain creates a delivery chain. pusher may be nil when the
// account has no push capability.
func NewFallbackChain(pusher Pusher, pending store.PendingReplyStore) *FallbackChain {
	return &FallbackChain{pusher: pusher, pending: pending}
}

// DeliverOrCache pushes text to userID, caching it on failure. It never
// returns an error: a failed cache write is logged and the turn is lost.
func (c *FallbackChain) DeliverOrCache(ctx context.Context, userID, text string) DeliveryOutcome {
	out := c.deliverOrCache(ctx, userID, text)
	if c.OnOutcome != nil {
		c.OnOutcome(out)
	}
	return out
}

func (c *FallbackChain) deliverOrCache(ctx context.Context, userID, text string) DeliveryOutcome {
	err := c.push(ctx, userID, text)
	if err == nil {
		slog.Info("continuation delivered by push", "user_id", userID, "len", len(text))
		return Delivered
	}
	slog.Warn("push delivery failed, caching reply", "user_id", userID, "error", err)

	if err := c.pending.Put(ctx, userID, text); err != nil {
		slog.Error("pending reply cache write failed", "user_id", userID, "error", err)
	}
	return Cached
}

func (c *FallbackChain) push(ctx context.Context, userID, text string) (err error) {
	if c.pusher == nil {
		return fmt.Errorf("%w: no push client configured", ErrPushDelivery)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrPushDelivery, r)
		}
	}()
	if err := c.pusher.Push(ctx, userID, text); err != nil {
		return fmt.Errorf("%w: %w", ErrPushDelivery, err)
	}
	return nil
}
