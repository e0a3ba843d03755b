package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/difybridge/internal/channels"
	"github.com/nextlevelbuilder/difybridge/internal/channels/wechat"
	"github.com/nextlevelbuilder/difybridge/internal/channels/wecom"
	"github.com/nextlevelbuilder/difybridge/internal/config"
	"github.com/nextlevelbuilder/difybridge/internal/gateway"
	httpapi "github.com/nextlevelbuilder/difybridge/internal/http"
	"github.com/nextlevelbuilder/difybridge/internal/janitor"
	"github.com/nextlevelbuilder/difybridge/internal/metrics"
	"github.com/nextlevelbuilder/difybridge/internal/reply"
	"github.com/nextlevelbuilder/difybridge/internal/tracing"
)

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) && cfg.Providers.Dify.APIKey == "" {
		fmt.Println("No configuration found. Run the setup wizard first:")
		fmt.Println()
		fmt.Println("  difybridge onboard")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, cfgPath); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, cfgPath string) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	stores, err := buildStores(cfg)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer stores.Close()

	var pusher reply.Pusher
	if pc := newPushClient(cfg); pc != nil {
		pusher = pc
	} else {
		slog.Warn("wechat push disabled (no app_id/app_secret): slow answers wait for the user's next message")
	}

	orch := reply.New(reply.Deps{
		Backend:  newBackend(cfg),
		Sessions: stores.Sessions,
		Dedup:    stores.Dedup,
		Pending:  stores.Pending,
		Pusher:   pusher,
		Leases:   stores.Leases,
		Limiter:  channels.NewSenderLimiter(cfg.Gateway.RateLimitRPM, cfg.Gateway.RateLimitBurst),
	}, replyConfigFrom(cfg.Reply))

	server := gateway.NewServer(cfg, orch)

	var webhook *wechat.Handler
	if wc := cfg.Channels.WeChat; wc.Enabled {
		webhook = wechat.NewHandler(wechat.HandlerConfig{
			Token:           wc.Token,
			Welcome:         wc.Welcome,
			MenuReplies:     wc.MenuReplies,
			ClearHistoryKey: wc.ClearHistoryKey,
			ClearedText:     wc.ClearedText,
		}, orch)
		server.SetWebhook(wc.WebhookPath, webhook)
	}

	var work *wecom.Handler
	if wc := cfg.Channels.WeCom; wc.Enabled {
		work = wecom.NewHandler(wecom.HandlerConfig{Token: wc.Token}, orch, newWeComClient(wc))
		server.SetWebhook(wc.WebhookPath, work)
		server.OnDrain(work.Wait)
		slog.Info("wecom channel enabled", "path", wc.WebhookPath, "agent_id", wc.AgentID)
	}

	server.SetOpsHandler(httpapi.NewOpsHandler(orch, cfg.Gateway.Token,
		func() time.Duration { return cfg.ReplySnapshot().ForceCompleteWait() },
		httpapi.StatsInfo{
			Version:     Version,
			Storage:     cfg.Sessions.Storage,
			Shared:      stores.Shared,
			PushEnabled: pusher != nil,
			WeCom:       work != nil,
		}))

	sweeper, err := janitor.New(cfg.Janitor.Schedule, namedPruners(stores))
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		m := metrics.New(func() int { return len(orch.Continuations().Status()) })
		wireMetrics(m, orch, webhook, work, sweeper)
		server.SetMetricsHandler(cfg.Metrics.Path, m.Handler())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, func(next *config.Config) {
			cfg.ReplaceFrom(next)
			orch.SetConfig(replyConfigFrom(next.Reply))
		})
		if err != nil {
			// hot reload is optional; the gateway keeps serving
			slog.Warn("config watch unavailable", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func wireMetrics(m *metrics.Metrics, orch *reply.Orchestrator, webhook *wechat.Handler, work *wecom.Handler, sweeper *janitor.Janitor) {
	observeTurn := func(outcome reply.TurnOutcome, elapsed time.Duration) {
		m.ObserveTurn(string(outcome), elapsed)
	}
	orch.OnTurn = observeTurn
	orch.Capture().OnFirstFragment = func(_ string, latency time.Duration) {
		m.FirstFragment.Observe(latency.Seconds())
	}
	orch.Chain().OnOutcome = func(out reply.DeliveryOutcome) {
		m.Deliveries.WithLabelValues(out.String()).Inc()
	}
	orch.Continuations().OnFinish = func(_ string, state reply.TaskState) {
		m.ContinuationsDone.WithLabelValues(state.String()).Inc()
	}
	if webhook != nil {
		webhook.OnDecodeFailure = m.DecodeFailures.Inc
	}
	if work != nil {
		work.OnTurn = observeTurn
		work.OnDecodeFailure = m.DecodeFailures.Inc
	}
	sweeper.OnPruned = func(name string, n int64) {
		m.Pruned.WithLabelValues(name).Add(float64(n))
	}
}
