package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/difybridge/internal/config"
	"github.com/nextlevelbuilder/difybridge/internal/providers"
	"github.com/nextlevelbuilder/difybridge/internal/store/pg"
)

func doctorCmd() *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(live)
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "also send a test question to the backend and fetch a WeChat access token")
	return cmd
}

func runDoctor(live bool) {
	fmt.Println("difybridge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("  Invalid:  %s\n", line)
		}
	}

	fmt.Println()
	fmt.Println("  Backend:")
	checkSecret("Dify key", cfg.Providers.Dify.APIKey)
	fmt.Printf("    %-12s %s\n", "API base:", cfg.Providers.Dify.APIBase)
	if !cfg.Providers.Dify.TLSVerify() {
		fmt.Printf("    %-12s DISABLED\n", "TLS verify:")
	}

	fmt.Println()
	fmt.Println("  WeChat:")
	wc := cfg.Channels.WeChat
	checkChannel("Webhook", wc.Enabled, wc.Token != "")
	checkChannel("Push", wc.PushEnabled(), wc.AppID != "")
	if wc.Enabled {
		fmt.Printf("    %-12s %s\n", "Path:", wc.WebhookPath)
	}

	fmt.Println()
	fmt.Println("  WeCom:")
	wk := cfg.Channels.WeCom
	checkChannel("App", wk.Enabled, wk.CorpID != "" && wk.CorpSecret != "" && wk.AgentID != 0)
	if wk.Enabled {
		fmt.Printf("    %-12s %s\n", "Path:", wk.WebhookPath)
		fmt.Printf("    %-12s %d\n", "Agent ID:", wk.AgentID)
	}

	fmt.Println()
	fmt.Println("  Storage:")
	fmt.Printf("    %-12s %s\n", "Sessions:", cfg.Sessions.Storage)
	switch cfg.Sessions.Storage {
	case "postgres":
		checkPostgres(cfg.Database.PostgresDSN)
	case "sqlite":
		fmt.Printf("    %-12s %s\n", "Path:", config.ExpandHome(cfg.Sessions.Path))
		fmt.Printf("    %-12s single instance only\n", "Scope:")
	default:
		fmt.Printf("    %-12s single instance only, lost on restart\n", "Scope:")
	}

	fmt.Println()
	fmt.Println("  Reply:")
	fmt.Printf("    %-12s %dms\n", "Deadline:", cfg.Reply.DeadlineMs)
	fmt.Printf("    %-12s %d chars\n", "Max length:", cfg.Reply.MaxLength)
	fmt.Printf("    %-12s %ds\n", "Background:", cfg.Reply.ContinuationTimeoutSec)
	if cfg.Reply.DeadlineMs >= 5000 {
		fmt.Println("    WARNING: deadline must stay below the platform's 5s reply window")
	}

	if live {
		fmt.Println()
		fmt.Println("  Live checks:")
		liveBackend(cfg)
		liveWeChat(cfg)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, secret string) {
	switch {
	case secret == "":
		fmt.Printf("    %-12s (not configured)\n", name+":")
	case len(secret) <= 8:
		fmt.Printf("    %-12s %s\n", name+":", strings.Repeat("*", len(secret)))
	default:
		fmt.Printf("    %-12s %s\n", name+":", secret[:4]+strings.Repeat("*", len(secret)-8)+secret[len(secret)-4:])
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkPostgres(dsn string) {
	if dsn == "" {
		fmt.Printf("    %-12s DIFYBRIDGE_POSTGRES_DSN not set\n", "Status:")
		return
	}
	db, err := pg.OpenDB(dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	var version int64
	var dirty bool
	err = db.QueryRowContext(context.Background(), "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	switch {
	case err != nil:
		fmt.Printf("    %-12s not migrated (run: difybridge migrate up)\n", "Schema:")
	case dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: difybridge migrate force %d)\n", "Schema:", version, version-1)
	default:
		fmt.Printf("    %-12s v%d\n", "Schema:", version)
	}
}

func liveBackend(cfg *config.Config) {
	if cfg.Providers.Dify.APIKey == "" {
		fmt.Printf("    %-12s skipped (no API key)\n", "Dify:")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	stream, err := newBackend(cfg).OpenStream(ctx, providers.ChatRequest{Query: "ping", UserID: "difybridge-doctor"})
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Dify:", err)
		return
	}
	defer stream.Close()
	if _, err := stream.Recv(); err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Dify:", err)
		return
	}
	elapsed := time.Since(start)
	verdict := "OK"
	if elapsed > cfg.Reply.Deadline() {
		verdict = "SLOW, most answers will arrive by push"
	}
	fmt.Printf("    %-12s first fragment in %s (%s)\n", "Dify:", elapsed.Round(time.Millisecond), verdict)
}

func liveWeChat(cfg *config.Config) {
	client := newPushClient(cfg)
	if client == nil {
		fmt.Printf("    %-12s skipped (no app_id/app_secret)\n", "WeChat:")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.AccessToken(ctx); err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "WeChat:", err)
		return
	}
	fmt.Printf("    %-12s access token OK\n", "WeChat:")
}
