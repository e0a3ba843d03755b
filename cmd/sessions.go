package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and reset per-user conversations",
	}
	cmd.PersistentFlags().StringVar(&gatewayAddr, "addr", "", "gateway base URL (default: from config)")
	cmd.AddCommand(sessionsClearCmd())
	cmd.AddCommand(sessionsShowCmd())
	return cmd
}

func sessionsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <user-id>",
		Short: "Forget a user's backend conversation so the next message starts fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			// in-memory sessions live inside the gateway process
			if cfg.Sessions.Storage == "" || cfg.Sessions.Storage == "memory" {
				if _, err := opsRequest(ctx, cfg, http.MethodPost, "/v1/sessions/clear", map[string]string{"user_id": args[0]}); err != nil {
					return err
				}
				fmt.Printf("Cleared session for %s (via gateway)\n", args[0])
				return nil
			}

			stores, err := buildStores(cfg)
			if err != nil {
				return err
			}
			defer stores.Close()
			if err := stores.Sessions.Clear(ctx, args[0]); err != nil {
				return fmt.Errorf("clear session: %w", err)
			}
			fmt.Printf("Cleared session for %s (%s)\n", args[0], cfg.Sessions.Storage)
			return nil
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Print a user's conversation id and recent history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			data, err := opsRequest(ctx, cfg, http.MethodGet, "/v1/history?user_id="+url.QueryEscape(args[0]), nil)
			if err != nil {
				return err
			}
			printHistory(data)
			return nil
		},
	}
}
