package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newSSEServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat-messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["response_mode"] != "streaming" {
			t.Errorf("expected streaming mode, got %v", body["response_mode"])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
}

func drain(t *testing.T, s Stream) []Fragment {
	t.Helper()
	var out []Fragment
	for {
		f, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		out = append(out, f)
	}
}

func TestDifyOpenStream_DeltasAndEnd(t *testing.T) {
	srv := newSSEServer(t, []string{
		`data: {"event":"message","answer":"Hel","conversation_id":"c1","id":"m1"}`,
		`event: ping`,
		`data: not-json`,
		`data: {"event":"message","answer":"lo","conversation_id":"c1","id":"m1"}`,
		`data: {"event":"message_end","conversation_id":"c1","id":"m1"}`,
		`data: {"event":"message","answer":"ignored"}`,
	})
	defer srv.Close()

	p := NewDifyProvider("key", srv.URL)
	s, err := p.OpenStream(context.Background(), ChatRequest{Query: "hi", UserID: "u1"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer s.Close()

	frags := drain(t, s)
	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments, got %d: %+v", len(frags), frags)
	}
	if frags[0].AnswerDelta != "Hel" || frags[1].AnswerDelta != "lo" {
		t.Fatalf("unexpected deltas: %+v", frags)
	}
	if frags[2].Kind != FragmentEnd || frags[2].ConversationID != "c1" || frags[2].MessageID != "m1" {
		t.Fatalf("unexpected end fragment: %+v", frags[2])
	}
}

func TestDifyOpenStream_ErrorEvent(t *testing.T) {
	srv := newSSEServer(t, []string{
		`data: {"event":"error","code":"quota","message":"exceeded"}`,
	})
	defer srv.Close()

	s, err := NewDifyProvider("key", srv.URL).OpenStream(context.Background(), ChatRequest{Query: "q", UserID: "u"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer s.Close()

	_, err = s.Recv()
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "quota" {
		t.Fatalf("expected APIError quota, got %v", err)
	}
	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after error, got %v", err)
	}
}

func TestDifyOpenStream_NonOKIsNotRetriedOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"code":"invalid_param"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewDifyProvider("key", srv.URL).OpenStream(context.Background(), ChatRequest{Query: "q", UserID: "u"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadRequest {
		t.Fatalf("expected HTTP 400 error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestDifyOpenStream_RetriesConnectionOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "data: {\"event\":\"message_end\",\"conversation_id\":\"c\",\"id\":\"m\"}\n\n")
	}))
	defer srv.Close()

	p := NewDifyProvider("key", srv.URL, WithRetryConfig(RetryConfig{Attempts: 2, MinDelay: time.Millisecond}))
	s, err := p.OpenStream(context.Background(), ChatRequest{Query: "q", UserID: "u"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer s.Close()
	if frags := drain(t, s); len(frags) != 1 || frags[0].Kind != FragmentEnd {
		t.Fatalf("unexpected fragments %+v", frags)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestDifyChat_Blocking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["response_mode"] != "blocking" {
			t.Errorf("expected blocking mode, got %v", body["response_mode"])
		}
		if body["conversation_id"] != "c9" {
			t.Errorf("expected conversation id to be echoed, got %v", body["conversation_id"])
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "m9", "answer": "Hello", "conversation_id": "c9"})
	}))
	defer srv.Close()

	resp, err := NewDifyProvider("key", srv.URL).Chat(context.Background(), ChatRequest{Query: "q", UserID: "u", ConversationID: "c9"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Answer != "Hello" || resp.ConversationID != "c9" || resp.MessageID != "m9" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestDifyMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.URL.Query().Get("user") != "u1" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		fmt.Fprint(w, `{"data":[{"id":"m1","conversation_id":"c1","query":"q","answer":"a","created_at":1}]}`)
	}))
	defer srv.Close()

	msgs, err := NewDifyProvider("key", srv.URL).Messages(context.Background(), "u1", "c1", 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Answer != "a" {
		t.Fatalf("unexpected history %+v", msgs)
	}
}
