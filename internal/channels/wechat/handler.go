package wechat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/difybridge/internal/reply"
)

const maxBodyBytes = 1 << 20

// Responder produces synchronous reply text for inbound messages.
type Responder interface {
	HandleText(ctx context.Context, in reply.Inbound) string
	Duplicate(ctx context.Context, messageID string) bool
	ClearSession(ctx context.Context, userID string) error
	Config() reply.Config
}

// HandlerConfig holds the channel's own reply texts and policies.
type HandlerConfig struct {
	Token string
	// Welcome is sent on subscribe. Empty = no reply.
	Welcome string
	// MenuReplies maps click event keys to fixed replies.
	MenuReplies map[string]string
	// ClearHistoryKey is the click key that resets the conversation.
	ClearHistoryKey string
	ClearedText     string
}

// Handler serves the Official Account webhook.
type Handler struct {
	cfg       HandlerConfig
	responder Responder
	now       func() time.Time

	// OnDecodeFailure, when set, observes rejected bodies.
	OnDecodeFailure func()
}

// NewHandler creates the webhook handler.
func NewHandler(cfg HandlerConfig, responder Responder) *Handler {
	return &Handler{cfg: cfg, responder: responder, now: time.Now}
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

// handleVerify answers the platform's URL ownership check.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !VerifySignature(h.cfg.Token, q.Get("signature"), q.Get("timestamp"), q.Get("nonce")) {
		slog.Warn("security.signature_failed", "path", r.URL.Path, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	slog.Info("wechat webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, q.Get("echostr"))
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("encrypt_type") == "aes" {
		slog.Warn("wechat encrypted message rejected, configure plaintext mode")
		http.Error(w, "encrypted messages are not supported", http.StatusBadRequest)
		return
	}
	if sig := q.Get("signature"); sig != "" && h.cfg.Token != "" {
		if !VerifySignature(h.cfg.Token, sig, q.Get("timestamp"), q.Get("nonce")) {
			slog.Warn("security.signature_failed", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeEmpty(w)
		return
	}
	msg, err := Decode(body)
	if err != nil {
		slog.Warn("wechat inbound dropped", "error", errors.Join(reply.ErrDecodeFailure, err))
		if h.OnDecodeFailure != nil {
			h.OnDecodeFailure()
		}
		h.writeEmpty(w)
		return
	}

	slog.Debug("wechat message received", "kind", msg.Kind.String(), "from", msg.FromUser, "msg_id", msg.MsgID)
	text := h.dispatch(r.Context(), msg)
	h.writeReply(w, msg, text)
}

// dispatch routes one decoded message. Every Kind and EventKind is handled
// explicitly.
func (h *Handler) dispatch(ctx context.Context, msg Message) string {
	texts := h.responder.Config().Texts

	switch msg.Kind {
	case KindText:
		return h.responder.HandleText(ctx, reply.Inbound{
			MessageID: msg.MsgID,
			UserID:    msg.FromUser,
			Content:   msg.Content,
		})

	case KindEvent:
		return h.handleEvent(ctx, msg)

	case KindUnsupported:
		if h.responder.Duplicate(ctx, msg.MsgID) {
			return ""
		}
		slog.Info("wechat unsupported message type", "type", msg.RawType, "from", msg.FromUser)
		return texts.TextOnly
	}
	return ""
}

// handleEvent answers follow, unfollow and menu events. A retried event
// carries the same synthetic id and gets the empty reply.
func (h *Handler) handleEvent(ctx context.Context, msg Message) string {
	if h.responder.Duplicate(ctx, msg.MsgID) {
		slog.Info("wechat event redelivered", "from", msg.FromUser, "event", msg.Event.String())
		return ""
	}
	switch msg.Event {
	case EventSubscribe:
		slog.Info("wechat follower subscribed", "from", msg.FromUser)
		return h.cfg.Welcome

	case EventUnsubscribe:
		slog.Info("wechat follower unsubscribed", "from", msg.FromUser)
		if err := h.responder.ClearSession(ctx, msg.FromUser); err != nil {
			slog.Warn("clear session on unsubscribe failed", "from", msg.FromUser, "error", err)
		}
		return ""

	case EventClick:
		if h.cfg.ClearHistoryKey != "" && msg.EventKey == h.cfg.ClearHistoryKey {
			if err := h.responder.ClearSession(ctx, msg.FromUser); err != nil {
				slog.Warn("clear session from menu failed", "from", msg.FromUser, "error", err)
				return h.responder.Config().Texts.Apology
			}
			return h.cfg.ClearedText
		}
		return h.cfg.MenuReplies[msg.EventKey]

	case EventOther:
		return ""
	}
	return ""
}

func (h *Handler) writeReply(w http.ResponseWriter, msg Message, text string) {
	out, err := TextReply(msg, text, h.now())
	if err != nil || len(out) == 0 {
		if err != nil {
			slog.Error("wechat reply encode failed", "error", err)
		}
		h.writeEmpty(w)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// writeEmpty acknowledges the delivery without a reply.
func (h *Handler) writeEmpty(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
}
