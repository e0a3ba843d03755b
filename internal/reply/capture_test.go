package reply

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/difybridge/internal/providers"
)

// step is one scripted Recv result. A non-nil gate blocks until closed.
type step struct {
	gate  <-chan struct{}
	delay time.Duration
	frag  providers.Fragment
	err   error
}

func delta(text string) step {
	return step{frag: providers.Fragment{Kind: providers.FragmentDelta, AnswerDelta: text, ConversationID: "conv-1", MessageID: "msg-1"}}
}

func end() step {
	return step{frag: providers.Fragment{Kind: providers.FragmentEnd, ConversationID: "conv-1", MessageID: "msg-1"}}
}

type scriptedStream struct {
	ctx    context.Context
	steps  []step
	i      int
	closed atomic.Bool
}

func (s *scriptedStream) Recv() (providers.Fragment, error) {
	if s.i >= len(s.steps) {
		return providers.Fragment{}, io.EOF
	}
	st := s.steps[s.i]
	s.i++
	if st.gate != nil {
		select {
		case <-st.gate:
		case <-s.ctx.Done():
			return providers.Fragment{}, s.ctx.Err()
		}
	}
	if st.delay > 0 {
		select {
		case <-time.After(st.delay):
		case <-s.ctx.Done():
			return providers.Fragment{}, s.ctx.Err()
		}
	}
	if st.err != nil {
		return providers.Fragment{}, st.err
	}
	return st.frag, nil
}

func (s *scriptedStream) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeBackend hands out one scripted stream per call.
type fakeBackend struct {
	mu      sync.Mutex
	scripts [][]step
	openErr error
	reqs    []providers.ChatRequest
	streams []*scriptedStream
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Chat(context.Context, providers.ChatRequest) (*providers.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBackend) OpenStream(ctx context.Context, req providers.ChatRequest) (providers.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	if b.openErr != nil {
		return nil, b.openErr
	}
	var steps []step
	if len(b.scripts) > 0 {
		steps, b.scripts = b.scripts[0], b.scripts[1:]
	}
	st := &scriptedStream{ctx: ctx, steps: steps}
	b.streams = append(b.streams, st)
	return st, nil
}

func (b *fakeBackend) stream(i int) *scriptedStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.streams) {
		return nil
	}
	return b.streams[i]
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reqs)
}

func TestCapture_ConcatenatesDeltas(t *testing.T) {
	c := NewCapture()
	s := &scriptedStream{ctx: context.Background(), steps: []step{delta("Part1"), delta("Part2"), delta("End"), end()}}

	ans, err := c.Consume(context.Background(), s, "u1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if ans.Text != "Part1Part2End" || ans.ConversationID != "conv-1" || ans.MessageID != "msg-1" {
		t.Fatalf("unexpected answer %+v", ans)
	}
	p, ok := c.Partial("u1")
	if !ok || p.Text != "Part1Part2End" || !p.HasFirstFragment {
		t.Fatalf("partial should stay readable after end, got %+v", p)
	}
}

func TestCapture_EOFWithoutEndKeepsText(t *testing.T) {
	c := NewCapture()
	s := &scriptedStream{ctx: context.Background(), steps: []step{delta("a"), delta("b")}}
	ans, err := c.Consume(context.Background(), s, "u1")
	if err != nil || ans.Text != "ab" {
		t.Fatalf("got %+v %v", ans, err)
	}
}

func TestCapture_ErrorKeepsLastBoundary(t *testing.T) {
	c := NewCapture()
	s := &scriptedStream{ctx: context.Background(), steps: []step{
		delta("Hel"),
		{err: &providers.APIError{Code: "internal", Message: "boom"}},
	}}
	_, err := c.Consume(context.Background(), s, "u1")
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if p, _ := c.Partial("u1"); p.Text != "Hel" {
		t.Fatalf("expected partial Hel, got %q", p.Text)
	}
}

func TestCapture_NewCallResetsPartial(t *testing.T) {
	c := NewCapture()
	ctx := context.Background()
	_, _ = c.Consume(ctx, &scriptedStream{ctx: ctx, steps: []step{delta("old"), end()}}, "u1")

	gate := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Consume(ctx, &scriptedStream{ctx: ctx, steps: []step{{gate: gate}, end()}}, "u1")
	}()

	deadline := time.Now().Add(time.Second)
	for {
		p, _ := c.Partial("u1")
		if p.Text == "" && !p.HasFirstFragment {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("partial was not reset by the new call")
		}
		time.Sleep(time.Millisecond)
	}
	close(gate)
	<-done
}

func TestCapture_CancelledContext(t *testing.T) {
	c := NewCapture()
	ctx, cancel := context.WithCancel(context.Background())
	gate := make(chan struct{})
	s := &scriptedStream{ctx: ctx, steps: []step{delta("x"), {gate: gate}}}

	var firstLatency atomic.Int64
	c.OnFirstFragment = func(_ string, d time.Duration) { firstLatency.Store(int64(d) + 1) }

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Consume(ctx, s, "u1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if firstLatency.Load() == 0 {
		t.Fatal("first fragment latency not observed")
	}
	if p, _ := c.Partial("u1"); p.Text != "x" {
		t.Fatalf("expected partial x, got %q", p.Text)
	}
}
