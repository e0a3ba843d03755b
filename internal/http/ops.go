package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/difybridge/internal/providers"
	"github.com/nextlevelbuilder/difybridge/internal/reply"
)

const maxWaitMs = 60_000

// StatsInfo is the static part of the /v1/stats response.
type StatsInfo struct {
	Version     string `json:"version"`
	Storage     string `json:"storage"`
	Shared      bool   `json:"shared"`
	PushEnabled bool   `json:"push_enabled"`
	WeCom       bool   `json:"wecom_enabled"`
}

// OpsHandler serves the operational control endpoints.
type OpsHandler struct {
	orch      *reply.Orchestrator
	token     string
	forceWait func() time.Duration
	info      StatsInfo
	startedAt time.Time
}

// NewOpsHandler creates the handler. forceWait supplies the default bounded
// wait for force-complete and is read per request so hot reloads apply.
func NewOpsHandler(orch *reply.Orchestrator, token string, forceWait func() time.Duration, info StatsInfo) *OpsHandler {
	return &OpsHandler{
		orch:      orch,
		token:     token,
		forceWait: forceWait,
		info:      info,
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers all ops routes on the given mux.
func (h *OpsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/continuations", h.auth(h.handleListContinuations))
	mux.HandleFunc("POST /v1/continuations/{userID}/complete", h.auth(h.handleForceComplete))
	mux.HandleFunc("POST /v1/sessions/clear", h.auth(h.handleClearSession))
	mux.HandleFunc("GET /v1/stats", h.auth(h.handleStats))
	mux.HandleFunc("POST /v1/backend/test", h.auth(h.handleBackendTest))
	mux.HandleFunc("GET /v1/history", h.auth(h.handleHistory))
}

func (h *OpsHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			if extractBearerToken(r) != h.token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

// --- Continuations ---

func (h *OpsHandler) handleListContinuations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"continuations": h.orch.Continuations().Status(),
	})
}

func (h *OpsHandler) handleForceComplete(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user id is required"})
		return
	}

	wait := h.forceWait()
	if v := r.URL.Query().Get("wait_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 || ms > maxWaitMs {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "wait_ms must be between 0 and 60000"})
			return
		}
		wait = time.Duration(ms) * time.Millisecond
	}

	res := h.orch.Continuations().ForceComplete(r.Context(), userID, wait)
	slog.Info("ops.force_complete", "user_id", userID, "wait", wait, "result", res.String())
	if res == reply.ForceNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no continuation for user", "result": res.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": res.String()})
}

// --- Sessions ---

type clearSessionRequest struct {
	UserID string `json:"user_id"`
}

func (h *OpsHandler) handleClearSession(w http.ResponseWriter, r *http.Request) {
	var req clearSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	if err := h.orch.ClearSession(r.Context(), req.UserID); err != nil {
		slog.Error("ops.clear_session", "user_id", req.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to clear session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "user_id": req.UserID})
}

// --- Stats ---

func (h *OpsHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	cfg := h.orch.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":        h.info.Version,
		"backend":        h.orch.Backend().Name(),
		"storage":        h.info.Storage,
		"shared":         h.info.Shared,
		"push_enabled":   h.info.PushEnabled,
		"wecom_enabled":  h.info.WeCom,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"reply": map[string]interface{}{
			"deadline_ms":             cfg.Deadline.Milliseconds(),
			"max_length":              cfg.MaxLength,
			"continuation_timeout_ms": cfg.ContinuationTimeout.Milliseconds(),
			"group_trigger":           cfg.GroupTrigger,
		},
		"running_continuations": len(h.orch.Continuations().Status()),
	})
}

// --- Backend test ---

type backendTestRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

func (h *OpsHandler) handleBackendTest(w http.ResponseWriter, r *http.Request) {
	var req backendTestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		req.Message = "ping"
	}
	if req.UserID == "" {
		req.UserID = "ops-test-" + uuid.NewString()[:8]
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.orch.Config().ContinuationTimeout)
	defer cancel()

	start := time.Now()
	stream, err := h.orch.Backend().OpenStream(ctx, providers.ChatRequest{Query: req.Message, UserID: req.UserID})
	if err != nil {
		slog.Warn("ops.backend_test", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"ok":         false,
			"error":      err.Error(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
		return
	}
	defer stream.Close()

	// a private capture keeps the test call out of the live partial registry
	capture := reply.NewCapture()
	var firstFragment time.Duration
	capture.OnFirstFragment = func(_ string, latency time.Duration) { firstFragment = latency }

	ans, err := capture.Consume(ctx, stream, req.UserID)
	elapsed := time.Since(start)
	if err != nil {
		slog.Warn("ops.backend_test", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"ok":         false,
			"error":      err.Error(),
			"elapsed_ms": elapsed.Milliseconds(),
		})
		return
	}

	deadline := h.orch.Config().Deadline
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                true,
		"answer":            ans.Text,
		"conversation_id":   ans.ConversationID,
		"elapsed_ms":        elapsed.Milliseconds(),
		"first_fragment_ms": firstFragment.Milliseconds(),
		"within_deadline":   elapsed <= deadline,
	})
}

// --- History ---

func (h *OpsHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	hb, ok := h.orch.Backend().(providers.HistoryBackend)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "backend does not expose history"})
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	convID, err := h.orch.Sessions().GetConversationID(r.Context(), userID)
	if err != nil {
		slog.Error("ops.history", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read session"})
		return
	}
	if convID == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"conversation_id": "", "messages": []providers.HistoryMessage{}})
		return
	}

	msgs, err := hb.Messages(r.Context(), userID, convID, limit)
	if err != nil {
		var httpErr *providers.HTTPError
		status := http.StatusBadGateway
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
			status = http.StatusNotFound
		}
		slog.Warn("ops.history", "user_id", userID, "error", err)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversation_id": convID, "messages": msgs})
}
