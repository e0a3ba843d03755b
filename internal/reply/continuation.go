package reply

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/difybridge/internal/store"
)

// TaskState is the lifecycle state of a continuation task.
type TaskState int

const (
	TaskRunning TaskState = iota
	TaskDone
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskDone:
		return "done"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TaskStatus is the operational view of one continuation.
type TaskStatus struct {
	Running   bool      `json:"running"`
	Done      bool      `json:"done"`
	Cancelled bool      `json:"cancelled"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// SpawnResult is returned by Spawn.
type SpawnResult int

const (
	Spawned SpawnResult = iota
	AlreadyRunning
)

func (r SpawnResult) String() string {
	if r == AlreadyRunning {
		return "already_running"
	}
	return "spawned"
}

// ForceResult is returned by ForceComplete.
type ForceResult int

const (
	ForceCompleted ForceResult = iota
	ForceCancelled
	ForceNotFound
)

func (r ForceResult) String() string {
	switch r {
	case ForceCompleted:
		return "completed"
	case ForceCancelled:
		return "cancelled"
	default:
		return "not_found"
	}
}

// Deliverer receives the final text of every continuation.
type Deliverer interface {
	DeliverOrCache(ctx context.Context, userID, text string) DeliveryOutcome
}

type continuation struct {
	future          *Future[*Answer]
	state           TaskState
	startedAt       time.Time
	cancelRequested bool
	leased          bool
	// origin is the span of the turn that timed out.
	origin trace.SpanContext
}

// ManagerConfig configures a continuation Manager.
type ManagerConfig struct {
	// Apology is delivered when the background work fails.
	Apology string
	// Format turns a finished answer into the delivered text.
	Format func(string) string
	// DeliveryTimeout bounds the push + cache fallback.
	DeliveryTimeout time.Duration
	// Leases, when set, extends the one-per-user guarantee across processes.
	Leases   store.LeaseStore
	LeaseTTL time.Duration
}

// Manager owns at most one background continuation per user.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*continuation
	wg    sync.WaitGroup

	deliver Deliverer
	cfg     ManagerConfig
	owner   string

	// OnFinish, when set, observes each task's terminal state.
	OnFinish func(userID string, state TaskState)
}

// NewManager creates a continuation manager delivering through d.
func NewManager(d Deliverer, cfg ManagerConfig) *Manager {
	if cfg.Format == nil {
		cfg.Format = func(s string) string { return s }
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 15 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	return &Manager{
		tasks:   make(map[string]*continuation),
		deliver: d,
		cfg:     cfg,
		owner:   uuid.NewString(),
	}
}

// Spawn adopts future as userID's continuation. If one is already running
// (here or, with leases, on another instance) it returns AlreadyRunning and
// does not touch future.
func (m *Manager) Spawn(ctx context.Context, userID string, future *Future[*Answer]) SpawnResult {
	m.mu.Lock()
	if _, ok := m.tasks[userID]; ok {
		m.mu.Unlock()
		return AlreadyRunning
	}
	t := &continuation{
		future:    future,
		state:     TaskRunning,
		startedAt: time.Now(),
		origin:    trace.SpanContextFromContext(ctx),
	}
	m.tasks[userID] = t
	m.mu.Unlock()

	if m.cfg.Leases != nil {
		ok, err := m.cfg.Leases.Acquire(ctx, userID, m.owner, m.cfg.LeaseTTL)
		if err != nil {
			// store down: fall back to the in-process guarantee
			slog.Warn("continuation lease acquire failed", "user_id", userID, "error", err)
		} else if !ok {
			m.mu.Lock()
			delete(m.tasks, userID)
			m.mu.Unlock()
			slog.Info("continuation already running on another instance", "user_id", userID)
			return AlreadyRunning
		} else {
			t.leased = true
		}
	}

	m.wg.Add(1)
	go m.run(userID, t)
	slog.Info("continuation spawned", "user_id", userID)
	return Spawned
}

func (m *Manager) run(userID string, t *continuation) {
	defer m.wg.Done()
	defer m.release(userID, t)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("continuation finalizer panic", "user_id", userID, "panic", r)
		}
	}()

	_, span := otel.Tracer(tracerName).Start(context.Background(), "reply.continuation",
		trace.WithLinks(trace.Link{SpanContext: t.origin}),
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	ans, err := t.future.Result()

	m.mu.Lock()
	state := TaskDone
	if t.cancelRequested && errors.Is(err, context.Canceled) {
		state = TaskCancelled
	}
	t.state = state
	text := m.cfg.Apology
	m.mu.Unlock()

	switch {
	case err != nil:
		slog.Warn("continuation failed", "user_id", userID, "state", state.String(), "error", err)
	case ans == nil:
		slog.Warn("continuation produced no answer", "user_id", userID)
	default:
		text = m.cfg.Format(ans.Text)
		slog.Info("continuation finished", "user_id", userID, "len", len(ans.Text),
			"elapsed", time.Since(t.startedAt).Round(time.Millisecond))
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DeliveryTimeout)
	defer cancel()
	outcome := m.deliver.DeliverOrCache(ctx, userID, text)
	span.SetAttributes(
		attribute.String("state", state.String()),
		attribute.String("delivery", outcome.String()),
	)

	if m.OnFinish != nil {
		m.OnFinish(userID, state)
	}
}

// release removes the registry entry. Runs on every exit path of run.
func (m *Manager) release(userID string, t *continuation) {
	m.mu.Lock()
	if cur, ok := m.tasks[userID]; ok && cur == t {
		delete(m.tasks, userID)
	}
	m.mu.Unlock()

	if t.leased {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.cfg.Leases.Release(ctx, userID, m.owner); err != nil {
			slog.Warn("continuation lease release failed", "user_id", userID, "error", err)
		}
	}
	slog.Debug("continuation entry removed", "user_id", userID)
}

// SetApology replaces the text delivered when a continuation fails.
func (m *Manager) SetApology(text string) {
	m.mu.Lock()
	m.cfg.Apology = text
	m.mu.Unlock()
}

// Running reports whether userID has a continuation in this process.
func (m *Manager) Running(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[userID]
	return ok
}

// Status returns a snapshot of every registered continuation.
func (m *Manager) Status() map[string]TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]TaskStatus, len(m.tasks))
	for userID, t := range m.tasks {
		out[userID] = TaskStatus{
			Running:   t.state == TaskRunning,
			Done:      t.state == TaskDone,
			Cancelled: t.state == TaskCancelled,
			State:     t.state.String(),
			StartedAt: t.startedAt,
		}
	}
	return out
}

// ForceComplete waits up to wait for userID's continuation to finish, then
// cancels it.
func (m *Manager) ForceComplete(ctx context.Context, userID string, wait time.Duration) ForceResult {
	m.mu.Lock()
	t, ok := m.tasks[userID]
	m.mu.Unlock()
	if !ok {
		return ForceNotFound
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-t.future.Done():
		return ForceCompleted
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	t.cancelRequested = true
	m.mu.Unlock()
	t.future.Cancel()
	slog.Warn("continuation cancelled by operator", "user_id", userID, "waited", wait)

	select {
	case <-t.future.Done():
	case <-ctx.Done():
	}
	return ForceCancelled
}

// Wait blocks until every running continuation has been finalized or ctx
// is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
