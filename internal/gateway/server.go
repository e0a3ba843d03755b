// Package gateway hosts the HTTP server: the messaging webhook, the ops
// API, health and metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/difybridge/internal/config"
	httpapi "github.com/nextlevelbuilder/difybridge/internal/http"
	"github.com/nextlevelbuilder/difybridge/internal/reply"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server is the main gateway server.
type Server struct {
	cfg  *config.Config
	orch *reply.Orchestrator

	webhooks    map[string]http.Handler
	drains      []func(context.Context) error
	ops         *httpapi.OpsHandler
	metricsPath string
	metrics     http.Handler

	// DrainTimeout bounds how long shutdown waits for running continuations.
	DrainTimeout time.Duration

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, orch *reply.Orchestrator) *Server {
	return &Server{
		cfg:          cfg,
		orch:         orch,
		DrainTimeout: orch.Config().ContinuationTimeout,
	}
}

// SetWebhook mounts a messaging gateway callback at path.
func (s *Server) SetWebhook(path string, h http.Handler) {
	if s.webhooks == nil {
		s.webhooks = make(map[string]http.Handler)
	}
	s.webhooks[path] = h
}

// OnDrain registers work that shutdown waits for after the continuations.
func (s *Server) OnDrain(fn func(context.Context) error) {
	s.drains = append(s.drains, fn)
}

// SetOpsHandler sets the operational REST handler.
func (s *Server) SetOpsHandler(h *httpapi.OpsHandler) { s.ops = h }

// SetMetricsHandler mounts the Prometheus exposition handler at path.
func (s *Server) SetMetricsHandler(path string, h http.Handler) {
	s.metricsPath = path
	s.metrics = h
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	for path, h := range s.webhooks {
		mux.Handle(path, h)
	}
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics)
	}
	if s.ops != nil {
		s.ops.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Start listens until ctx is done, then stops accepting requests and waits
// for running continuations to deliver.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	paths := make([]string, 0, len(s.webhooks))
	for path := range s.webhooks {
		paths = append(paths, path)
	}
	slog.Info("gateway starting", "addr", ln.Addr().String(), "webhooks", paths)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), s.DrainTimeout)
	defer cancelDrain()
	if err := s.orch.Continuations().Wait(drainCtx); err != nil {
		slog.Warn("gateway: continuations still running at exit",
			"count", len(s.orch.Continuations().Status()))
	}
	for _, drain := range s.drains {
		if err := drain(drainCtx); err != nil {
			slog.Warn("gateway: channel work still running at exit", "error", err)
		}
	}
	slog.Info("gateway stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","continuations":%d}`, len(s.orch.Continuations().Status()))
}
