package wecom

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/difybridge/internal/channels/wechat"
	"github.com/nextlevelbuilder/difybridge/internal/providers"
	"github.com/nextlevelbuilder/difybridge/internal/reply"
	"github.com/nextlevelbuilder/difybridge/internal/store"
)

const maxBodyBytes = 1 << 20

// Turns is the slice of the reply orchestrator a WeCom turn needs.
type Turns interface {
	Duplicate(ctx context.Context, messageID string) bool
	Throttled(userID string) bool
	Config() reply.Config
	FormatAnswer(text string) string
	Backend() providers.Backend
	Sessions() store.ConversationStore
}

// Sender delivers text to a corp member.
type Sender interface {
	Send(ctx context.Context, userID, text string) error
}

// HandlerConfig holds the callback settings.
type HandlerConfig struct {
	// Token verifies msg_signature on URL checks. Empty skips the check.
	Token string
}

// Handler serves the WeCom app callback. Each text message is answered
// with one blocking backend call off the request path.
type Handler struct {
	cfg    HandlerConfig
	turns  Turns
	sender Sender
	wg     sync.WaitGroup

	// OnTurn, when set, observes every processed message.
	OnTurn func(outcome reply.TurnOutcome, elapsed time.Duration)
	// OnDecodeFailure, when set, observes rejected bodies.
	OnDecodeFailure func()
}

// NewHandler creates the callback handler.
func NewHandler(cfg HandlerConfig, turns Turns, sender Sender) *Handler {
	return &Handler{cfg: cfg, turns: turns, sender: sender}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerify(w, r)
	case http.MethodPost:
		h.handleMessage(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	echo := q.Get("echostr")
	if h.cfg.Token != "" && !verifySignature(h.cfg.Token, q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce"), echo) {
		slog.Warn("security.signature_failed", "path", r.URL.Path, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	slog.Info("wecom callback verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, echo)
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if strings.Contains(string(body), "<Encrypt>") {
		slog.Warn("wecom encrypted callback rejected, plaintext mode only")
		http.Error(w, "encrypted messages are not supported", http.StatusBadRequest)
		return
	}
	msg, err := wechat.Decode(body)
	if err != nil {
		slog.Warn("wecom inbound dropped", "error", errors.Join(reply.ErrDecodeFailure, err))
		if h.OnDecodeFailure != nil {
			h.OnDecodeFailure()
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	// the platform retries unacknowledged callbacks; answer at once
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "success")

	if msg.Kind == wechat.KindEvent {
		slog.Debug("wecom event ignored", "event", msg.Event.String(), "from", msg.FromUser)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	if h.turns.Duplicate(ctx, msg.MsgID) {
		slog.Info("wecom message redelivered", "from", msg.FromUser, "msg_id", msg.MsgID)
		h.observe(reply.TurnDuplicate, time.Now())
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.process(ctx, msg)
	}()
}

func (h *Handler) process(ctx context.Context, msg wechat.Message) {
	start := time.Now()
	cfg := h.turns.Config()
	ctx, cancel := context.WithTimeout(ctx, cfg.ContinuationTimeout)
	defer cancel()

	text, outcome := h.answer(ctx, cfg, msg)
	if text != "" {
		if err := h.sender.Send(ctx, msg.FromUser, text); err != nil {
			slog.Warn("wecom send failed", "to", msg.FromUser, "error", errors.Join(reply.ErrPushDelivery, err))
		}
	}
	h.observe(outcome, start)
}

// answer returns the text to send and how the turn ended. "" sends nothing.
func (h *Handler) answer(ctx context.Context, cfg reply.Config, msg wechat.Message) (string, reply.TurnOutcome) {
	content := strings.TrimSpace(msg.Content)
	if msg.Kind != wechat.KindText || content == "" {
		return cfg.Texts.TextOnly, reply.TurnUnsupported
	}

	if trigger := cfg.GroupTrigger; trigger != "" {
		if strings.HasPrefix(content, trigger) {
			content = strings.TrimSpace(strings.TrimPrefix(content, trigger))
		} else if strings.Contains(content, "@") {
			// group chatter addressed to someone else
			return "", reply.TurnSkipped
		}
	}
	if content == "" {
		return cfg.Texts.EmptyText, reply.TurnEmptyQuestion
	}
	if h.turns.Throttled(msg.FromUser) {
		return cfg.Texts.Throttled, reply.TurnThrottled
	}

	convID := ""
	sessions := h.turns.Sessions()
	if sessions != nil {
		id, err := sessions.GetConversationID(ctx, msg.FromUser)
		if err != nil {
			slog.Warn("session lookup failed, starting new conversation", "user_id", msg.FromUser, "error", err)
		}
		convID = id
	}

	resp, err := h.turns.Backend().Chat(ctx, providers.ChatRequest{
		Query:          content,
		UserID:         msg.FromUser,
		ConversationID: convID,
	})
	if err != nil {
		slog.Warn("wecom backend call failed", "user_id", msg.FromUser, "error", errors.Join(reply.ErrUpstreamFailure, err))
		return cfg.Texts.Apology, reply.TurnFailed
	}
	if sessions != nil && resp.ConversationID != "" && resp.ConversationID != convID {
		if err := sessions.SetConversationID(ctx, msg.FromUser, resp.ConversationID); err != nil {
			slog.Warn("session save failed", "user_id", msg.FromUser, "error", err)
		}
	}
	return h.turns.FormatAnswer(resp.Answer), reply.TurnAnswered
}

func (h *Handler) observe(outcome reply.TurnOutcome, start time.Time) {
	if h.OnTurn != nil {
		h.OnTurn(outcome, time.Since(start))
	}
}

// Wait blocks until in-flight messages are answered or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signature is the callback msg_signature: sha1 over the sorted
// concatenation of token, timestamp, nonce and the payload.
func signature(token, timestamp, nonce, data string) string {
	parts := []string{token, timestamp, nonce, data}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func verifySignature(token, sig, timestamp, nonce, data string) bool {
	if sig == "" {
		return false
	}
	want := signature(token, timestamp, nonce, data)
	return subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1
}
