package reply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/difybridge/internal/providers"
)

// PartialAnswer is the latest consistent view of a streaming answer for one
// user. It is replaced wholesale on every fragment, never mutated in place.
type PartialAnswer struct {
	Text                 string
	FirstFragmentLatency time.Duration
	HasFirstFragment     bool
	ConversationID       string
	MessageID            string
	StartedAt            time.Time
}

// Answer is the assembled result of a completed stream.
type Answer struct {
	Text           string
	ConversationID string
	MessageID      string
}

// Capture drains fragment streams and publishes per-user partial state for
// concurrent readers.
type Capture struct {
	mu       sync.RWMutex
	partials map[string]PartialAnswer
	now      func() time.Time

	// OnFirstFragment, when set, observes first-fragment latency.
	OnFirstFragment func(userID string, latency time.Duration)
}

// NewCapture creates an empty capture registry.
func NewCapture() *Capture {
	return &Capture{
		partials: make(map[string]PartialAnswer),
		now:      time.Now,
	}
}

// Partial returns a snapshot of the user's partial answer.
func (c *Capture) Partial(userID string) (PartialAnswer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.partials[userID]
	return p, ok
}

// Forget removes the user's partial answer.
func (c *Capture) Forget(userID string) {
	c.mu.Lock()
	delete(c.partials, userID)
	c.mu.Unlock()
}

func (c *Capture) publish(userID string, p PartialAnswer) {
	c.mu.Lock()
	c.partials[userID] = p
	c.mu.Unlock()
}

// Consume reads stream until its end marker (or EOF) and returns the
// concatenation of all deltas in delivery order. The user's PartialAnswer is
// reset when Consume starts and updated after each whole fragment, so on
// error or cancellation it holds the text up to the last fragment boundary.
func (c *Capture) Consume(ctx context.Context, stream providers.Stream, userID string) (*Answer, error) {
	start := c.now()
	cur := PartialAnswer{StartedAt: start}
	c.publish(userID, cur)

	var buf strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			// body closed without an end marker: keep what we have
			return &Answer{Text: buf.String(), ConversationID: cur.ConversationID, MessageID: cur.MessageID}, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
		}

		switch frag.Kind {
		case providers.FragmentDelta:
			buf.WriteString(frag.AnswerDelta)
			next := cur
			next.Text = buf.String()
			if frag.ConversationID != "" {
				next.ConversationID = frag.ConversationID
			}
			if frag.MessageID != "" {
				next.MessageID = frag.MessageID
			}
			if !next.HasFirstFragment {
				next.HasFirstFragment = true
				next.FirstFragmentLatency = c.now().Sub(start)
				if c.OnFirstFragment != nil {
					c.OnFirstFragment(userID, next.FirstFragmentLatency)
				}
			}
			cur = next
			c.publish(userID, cur)

		case providers.FragmentEnd:
			if frag.ConversationID != "" {
				cur.ConversationID = frag.ConversationID
			}
			if frag.MessageID != "" {
				cur.MessageID = frag.MessageID
			}
			c.publish(userID, cur)
			return &Answer{Text: buf.String(), ConversationID: cur.ConversationID, MessageID: cur.MessageID}, nil
		}
	}
}
