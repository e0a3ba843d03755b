package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/difybridge/internal/providers"
	"github.com/nextlevelbuilder/difybridge/internal/store"
)

const (
	DefaultDeadline            = 4500 * time.Millisecond
	DefaultMaxLength           = 2000
	DefaultContinuationTimeout = 30 * time.Second
	truncationMarker           = "..."
)

// Texts are the fixed replies the orchestrator sends on its own behalf.
type Texts struct {
	Waiting       string `json:"waiting"`
	Apology       string `json:"apology"`
	NoReply       string `json:"no_reply"`
	PendingPrefix string `json:"pending_prefix"`
	TextOnly      string `json:"text_only"`
	EmptyText     string `json:"empty_text"`
	Throttled     string `json:"throttled"`
}

// DefaultTexts returns the built-in reply texts.
func DefaultTexts() Texts {
	return Texts{
		Waiting:       "正在思考中，请稍候，回答准备好后会立即发送给您。",
		Apology:       "抱歉，服务暂时不可用，请稍后再试。",
		NoReply:       "抱歉，我暂时无法回答这个问题。",
		PendingPrefix: "【之前的回复】\n",
		TextOnly:      "目前仅支持文字消息，请发送文字。",
		EmptyText:     "请输入您的问题。",
		Throttled:     "消息太频繁了，请稍后再试。",
	}
}

// Config tunes one orchestrator. Zero values fall back to the defaults.
type Config struct {
	Deadline            time.Duration
	MaxLength           int
	ContinuationTimeout time.Duration
	// GroupTrigger, when set, is stripped from the start of incoming text.
	GroupTrigger string
	Texts        Texts
}

func (c Config) withDefaults() Config {
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.MaxLength <= 0 {
		c.MaxLength = DefaultMaxLength
	}
	if c.ContinuationTimeout <= 0 {
		c.ContinuationTimeout = DefaultContinuationTimeout
	}
	d := DefaultTexts()
	if c.Texts.Waiting == "" {
		c.Texts.Waiting = d.Waiting
	}
	if c.Texts.Apology == "" {
		c.Texts.Apology = d.Apology
	}
	if c.Texts.NoReply == "" {
		c.Texts.NoReply = d.NoReply
	}
	if c.Texts.PendingPrefix == "" {
		c.Texts.PendingPrefix = d.PendingPrefix
	}
	if c.Texts.TextOnly == "" {
		c.Texts.TextOnly = d.TextOnly
	}
	if c.Texts.EmptyText == "" {
		c.Texts.EmptyText = d.EmptyText
	}
	if c.Texts.Throttled == "" {
		c.Texts.Throttled = d.Throttled
	}
	return c
}

// TurnOutcome labels how one inbound turn was answered.
type TurnOutcome string

const (
	TurnDuplicate     TurnOutcome = "duplicate"
	TurnPending       TurnOutcome = "pending"
	TurnAnswered      TurnOutcome = "answered"
	TurnWaiting       TurnOutcome = "waiting"
	TurnFailed        TurnOutcome = "failed"
	TurnEmptyQuestion TurnOutcome = "empty_question"
	TurnThrottled     TurnOutcome = "throttled"
	TurnUnsupported   TurnOutcome = "unsupported"
	TurnSkipped       TurnOutcome = "skipped"
)

// Inbound is one text message from the messaging gateway.
type Inbound struct {
	MessageID string
	UserID    string
	Content   string
}

// Limiter budgets backend calls per sender.
type Limiter interface {
	Allow(userID string) bool
}

// Deps are the collaborators of an Orchestrator. Dedup and Pending default
// to in-process implementations when nil. A nil Limiter never throttles.
type Deps struct {
	Backend  providers.Backend
	Sessions store.ConversationStore
	Dedup    store.MessageDeduper
	Pending  store.PendingReplyStore
	Pusher   Pusher
	Leases   store.LeaseStore
	Limiter  Limiter
}

// Orchestrator answers inbound messages within the gateway deadline and
// hands slow answers to background continuations.
type Orchestrator struct {
	backend  providers.Backend
	sessions store.ConversationStore
	dedup    store.MessageDeduper
	pending  store.PendingReplyStore
	limiter  Limiter

	capture       *Capture
	chain         *FallbackChain
	continuations *Manager

	mu  sync.RWMutex
	cfg Config

	// OnTurn, when set, observes every handled turn.
	OnTurn func(outcome TurnOutcome, elapsed time.Duration)
}

// New wires an orchestrator from its dependencies.
func New(deps Deps, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		backend:  deps.Backend,
		sessions: deps.Sessions,
		dedup:    deps.Dedup,
		pending:  deps.Pending,
		limiter:  deps.Limiter,
		capture:  NewCapture(),
		cfg:      cfg,
	}
	if o.dedup == nil {
		o.dedup = NewDedup(DefaultDedupCapacity)
	}
	if o.pending == nil {
		o.pending = NewMemoryPending(DefaultPendingTTL)
	}
	o.chain = NewFallbackChain(deps.Pusher, o.pending)
	o.continuations = NewManager(o.chain, ManagerConfig{
		Apology:  cfg.Texts.Apology,
		Format:   o.FormatAnswer,
		Leases:   deps.Leases,
		LeaseTTL: 2 * cfg.ContinuationTimeout,
	})
	return o
}

// Config returns the active configuration.
func (o *Orchestrator) Config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// SetConfig swaps the tunables. Turns already in flight keep the values
// they started with.
func (o *Orchestrator) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
	o.continuations.SetApology(cfg.Texts.Apology)
	slog.Info("reply config updated", "deadline", cfg.Deadline, "max_length", cfg.MaxLength)
}

// Capture exposes the partial answer registry.
func (o *Orchestrator) Capture() *Capture { return o.capture }

// Continuations exposes the continuation manager.
func (o *Orchestrator) Continuations() *Manager { return o.continuations }

// Chain exposes the delivery fallback chain.
func (o *Orchestrator) Chain() *FallbackChain { return o.chain }

// Sessions exposes the conversation store.
func (o *Orchestrator) Sessions() store.ConversationStore { return o.sessions }

// Backend exposes the AI backend.
func (o *Orchestrator) Backend() providers.Backend { return o.backend }

// HandleText answers one inbound text message. The returned string is the
// synchronous reply; "" means reply with nothing. It never blocks longer
// than the configured deadline plus local store latency.
func (o *Orchestrator) HandleText(ctx context.Context, in Inbound) string {
	start := time.Now()
	cfg := o.Config()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "reply.handle_text")
	span.SetAttributes(
		attribute.String("user_id", in.UserID),
		attribute.String("message_id", in.MessageID),
	)
	defer span.End()

	text, outcome := o.handleText(ctx, cfg, in)

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if outcome == TurnFailed {
		span.SetStatus(codes.Error, "upstream failure")
	}
	if o.OnTurn != nil {
		o.OnTurn(outcome, time.Since(start))
	}
	return text
}

func (o *Orchestrator) handleText(ctx context.Context, cfg Config, in Inbound) (string, TurnOutcome) {
	if o.Duplicate(ctx, in.MessageID) {
		slog.Info("inbound message skipped", "user_id", in.UserID, "message_id", in.MessageID,
			"reason", ErrDuplicateDelivery)
		return "", TurnDuplicate
	}

	if text, ok, err := o.pending.Take(ctx, in.UserID); err != nil {
		slog.Warn("pending reply take failed", "user_id", in.UserID, "error", err)
	} else if ok {
		slog.Info("delivering pending reply", "user_id", in.UserID, "len", len(text))
		return cfg.Texts.PendingPrefix + text, TurnPending
	}

	// redeliveries returned above and never spend a token
	if o.Throttled(in.UserID) {
		slog.Info("sender throttled", "user_id", in.UserID, "message_id", in.MessageID)
		return cfg.Texts.Throttled, TurnThrottled
	}

	query := stripTrigger(in.Content, cfg.GroupTrigger)
	if query == "" {
		return cfg.Texts.EmptyText, TurnEmptyQuestion
	}

	userID := in.UserID
	future := Go(ctx, cfg.ContinuationTimeout, func(ctx context.Context) (*Answer, error) {
		return o.ask(ctx, userID, query)
	})

	ans, outcome, err := Race(ctx, future, cfg.Deadline)
	switch {
	case outcome == TimedOut:
		switch o.continuations.Spawn(ctx, userID, future) {
		case Spawned:
			slog.Info("reply deadline reached, continuing in background", "user_id", userID, "deadline", cfg.Deadline)
		case AlreadyRunning:
			// nothing would consume this result
			future.Cancel()
			slog.Warn("continuation already running, dropping new request", "user_id", userID)
		}
		return cfg.Texts.Waiting, TurnWaiting

	case err != nil:
		slog.Warn("backend call failed", "user_id", userID, "error", err)
		return cfg.Texts.Apology, TurnFailed

	case ans == nil || strings.TrimSpace(ans.Text) == "":
		return cfg.Texts.NoReply, TurnAnswered
	}
	return truncate(ans.Text, cfg.MaxLength), TurnAnswered
}

// ask runs one streaming backend call and records the conversation id.
func (o *Orchestrator) ask(ctx context.Context, userID, query string) (*Answer, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reply.backend_call")
	defer span.End()

	convID := ""
	if o.sessions != nil {
		id, err := o.sessions.GetConversationID(ctx, userID)
		if err != nil {
			slog.Warn("session lookup failed, starting new conversation", "user_id", userID, "error", err)
		}
		convID = id
	}

	stream, err := o.backend.OpenStream(ctx, providers.ChatRequest{
		Query:          query,
		UserID:         userID,
		ConversationID: convID,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	}
	defer stream.Close()

	ans, err := o.capture.Consume(ctx, stream, userID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("answer_len", len(ans.Text)))

	if o.sessions != nil && ans.ConversationID != "" && ans.ConversationID != convID {
		if err := o.sessions.SetConversationID(ctx, userID, ans.ConversationID); err != nil {
			slog.Warn("session save failed", "user_id", userID, "error", err)
		}
	}
	return ans, nil
}

// Duplicate records messageID and reports whether it was already handled.
// Empty ids are never duplicates. A failing dedup store lets the message
// through.
func (o *Orchestrator) Duplicate(ctx context.Context, messageID string) bool {
	dup, err := o.dedup.CheckAndRecord(ctx, messageID)
	if err != nil {
		slog.Warn("dedup check failed", "message_id", messageID, "error", err)
		return false
	}
	return dup
}

// Throttled consumes one unit of userID's budget and reports whether the
// budget was already spent.
func (o *Orchestrator) Throttled(userID string) bool {
	return o.limiter != nil && !o.limiter.Allow(userID)
}

// ClearSession drops the user's conversation id so the next turn starts a
// fresh backend conversation.
func (o *Orchestrator) ClearSession(ctx context.Context, userID string) error {
	if o.sessions == nil {
		return nil
	}
	if err := o.sessions.Clear(ctx, userID); err != nil {
		return fmt.Errorf("clear session %s: %w", userID, err)
	}
	o.capture.Forget(userID)
	return nil
}

// FormatAnswer applies the no-reply fallback and the length cap.
func (o *Orchestrator) FormatAnswer(text string) string {
	cfg := o.Config()
	if strings.TrimSpace(text) == "" {
		return cfg.Texts.NoReply
	}
	return truncate(text, cfg.MaxLength)
}

// truncate caps text at max runes, appending a marker when cut.
func truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max]) + truncationMarker
}

func stripTrigger(content, trigger string) string {
	content = strings.TrimSpace(content)
	if trigger != "" && strings.HasPrefix(content, trigger) {
		content = strings.TrimSpace(strings.TrimPrefix(content, trigger))
	}
	return content
}

const tracerName = "github.com/nextlevelbuilder/difybridge/internal/reply"
