package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nextlevelbuilder/difybridge/internal/providers"
	"github.com/nextlevelbuilder/difybridge/internal/reply"
	"github.com/nextlevelbuilder/difybridge/internal/store/memory"
)

type sliceStream struct {
	frags []providers.Fragment
	gate  <-chan struct{}
	ctx   context.Context
}

func (s *sliceStream) Recv() (providers.Fragment, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
			s.gate = nil
		case <-s.ctx.Done():
			return providers.Fragment{}, s.ctx.Err()
		}
	}
	if len(s.frags) == 0 {
		return providers.Fragment{}, io.EOF
	}
	f := s.frags[0]
	s.frags = s.frags[1:]
	return f, nil
}

func (s *sliceStream) Close() error { return nil }

type stubBackend struct {
	answer  string
	gate    chan struct{}
	openErr error
	history []providers.HistoryMessage
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Chat(context.Context, providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Answer: b.answer}, nil
}

func (b *stubBackend) OpenStream(ctx context.Context, req providers.ChatRequest) (providers.Stream, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	return &sliceStream{ctx: ctx, gate: b.gate, frags: []providers.Fragment{
		{Kind: providers.FragmentDelta, AnswerDelta: b.answer, ConversationID: "conv-" + req.UserID},
		{Kind: providers.FragmentEnd, ConversationID: "conv-" + req.UserID},
	}}, nil
}

func (b *stubBackend) Messages(_ context.Context, _, conversationID string, _ int) ([]providers.HistoryMessage, error) {
	return b.history, nil
}

type nopPusher struct{}

func (nopPusher) Push(context.Context, string, string) error { return nil }

func newTestOps(t *testing.T, backend *stubBackend, token string) (*reply.Orchestrator, *http.ServeMux) {
	t.Helper()
	orch := reply.New(reply.Deps{
		Backend:  backend,
		Sessions: memory.NewSessionStore(0),
		Pusher:   nopPusher{},
	}, reply.Config{Deadline: 30 * time.Millisecond, ContinuationTimeout: 5 * time.Second})
	h := NewOpsHandler(orch, token, func() time.Duration { return 10 * time.Millisecond }, StatsInfo{Version: "test", Storage: "memory"})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return orch, mux
}

func do(t *testing.T, mux *http.ServeMux, method, target, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestOps_AuthRequired(t *testing.T) {
	_, mux := newTestOps(t, &stubBackend{answer: "a"}, "secret")

	if rec := do(t, mux, "GET", "/v1/stats", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, mux, "GET", "/v1/stats", "wrong", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := do(t, mux, "GET", "/v1/stats", "secret", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestOps_Stats(t *testing.T) {
	_, mux := newTestOps(t, &stubBackend{answer: "a"}, "")
	out := decode(t, do(t, mux, "GET", "/v1/stats", "", nil))
	if out["backend"] != "stub" || out["storage"] != "memory" {
		t.Fatalf("unexpected stats %v", out)
	}
	r, _ := out["reply"].(map[string]interface{})
	if r["deadline_ms"] != float64(30) {
		t.Fatalf("unexpected reply section %v", r)
	}
}

func TestOps_ForceComplete(t *testing.T) {
	backend := &stubBackend{answer: "late", gate: make(chan struct{})}
	orch, mux := newTestOps(t, backend, "")

	if got := orch.HandleText(context.Background(), reply.Inbound{MessageID: "m1", UserID: "u1", Content: "q"}); got != reply.DefaultTexts().Waiting {
		t.Fatalf("expected waiting text, got %q", got)
	}

	out := decode(t, do(t, mux, "GET", "/v1/continuations", "", nil))
	conts, _ := out["continuations"].(map[string]interface{})
	if _, ok := conts["u1"]; !ok {
		t.Fatalf("expected continuation for u1, got %v", out)
	}

	rec := do(t, mux, "POST", "/v1/continuations/u1/complete?wait_ms=5", "", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["result"] != reply.ForceCancelled.String() {
		t.Fatalf("unexpected force result %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, mux, "POST", "/v1/continuations/nobody/complete", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", rec.Code)
	}

	if rec := do(t, mux, "POST", "/v1/continuations/u1/complete?wait_ms=abc", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad wait_ms, got %d", rec.Code)
	}
}

func TestOps_ClearSession(t *testing.T) {
	orch, mux := newTestOps(t, &stubBackend{answer: "a"}, "")
	ctx := context.Background()
	_ = orch.Sessions().SetConversationID(ctx, "u1", "c1")

	if rec := do(t, mux, "POST", "/v1/sessions/clear", "", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without user_id, got %d", rec.Code)
	}
	if rec := do(t, mux, "POST", "/v1/sessions/clear", "", map[string]string{"user_id": "u1"}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if id, _ := orch.Sessions().GetConversationID(ctx, "u1"); id != "" {
		t.Fatalf("expected cleared session, got %q", id)
	}
}

func TestOps_BackendTest(t *testing.T) {
	_, mux := newTestOps(t, &stubBackend{answer: "pong"}, "")
	rec := do(t, mux, "POST", "/v1/backend/test", "", map[string]string{"message": "ping", "user_id": "ops"})
	out := decode(t, rec)
	if rec.Code != http.StatusOK || out["answer"] != "pong" || out["ok"] != true {
		t.Fatalf("unexpected response %d %v", rec.Code, out)
	}

	_, mux = newTestOps(t, &stubBackend{openErr: errors.New("connection refused")}, "")
	rec = do(t, mux, "POST", "/v1/backend/test", "", map[string]string{"message": "ping"})
	if rec.Code != http.StatusBadGateway || decode(t, rec)["ok"] != false {
		t.Fatalf("expected 502, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestOps_History(t *testing.T) {
	backend := &stubBackend{answer: "a", history: []providers.HistoryMessage{{ID: "m1", Query: "q", Answer: "a"}}}
	orch, mux := newTestOps(t, backend, "")

	if rec := do(t, mux, "GET", "/v1/history", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without user_id, got %d", rec.Code)
	}

	out := decode(t, do(t, mux, "GET", "/v1/history?user_id=u1", "", nil))
	if msgs, _ := out["messages"].([]interface{}); len(msgs) != 0 {
		t.Fatalf("expected no history without a conversation, got %v", out)
	}

	_ = orch.Sessions().SetConversationID(context.Background(), "u1", "c1")
	out = decode(t, do(t, mux, "GET", "/v1/history?user_id=u1", "", nil))
	if out["conversation_id"] != "c1" {
		t.Fatalf("unexpected conversation %v", out)
	}
	if msgs, _ := out["messages"].([]interface{}); len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %v", out)
	}
}
