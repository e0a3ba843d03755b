package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/difybridge/internal/config"
)

func onboardCmd() *cobra.Command {
	var auto bool
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Create a config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if auto {
				return runAutoOnboard(resolveConfigPath())
			}
			return runOnboard(resolveConfigPath())
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "non-interactive: build the config from DIFYBRIDGE_* environment variables")
	return cmd
}

func runOnboard(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Default()
	}

	var (
		difyKey   = cfg.Providers.Dify.APIKey
		difyBase  = cfg.Providers.Dify.APIBase
		wxToken   = cfg.Channels.WeChat.Token
		appID     = cfg.Channels.WeChat.AppID
		appSecret = cfg.Channels.WeChat.AppSecret
		storage   = cfg.Sessions.Storage
		port      = fmt.Sprint(cfg.Gateway.Port)
		protect   = cfg.Gateway.Token != ""
		confirm   = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("difybridge setup").
				Description("Connects a WeChat Official Account to a Dify chat app.\nValues already in the environment are pre-filled."),
			huh.NewInput().
				Title("Dify API key").
				Description("App API key from the Dify console (app-...)").
				EchoMode(huh.EchoModePassword).
				Value(&difyKey).
				Validate(required("API key")),
			huh.NewInput().
				Title("Dify API base").
				Value(&difyBase).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
						return errors.New("must start with http:// or https://")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("WeChat server token").
				Description("The Token set under Basic configuration > Server configuration").
				Value(&wxToken).
				Validate(required("token")),
			huh.NewInput().
				Title("AppID").
				Description("Leave empty if the account cannot send customer-service messages").
				Value(&appID),
			huh.NewInput().
				Title("AppSecret").
				EchoMode(huh.EchoModePassword).
				Value(&appSecret),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Conversation storage").
				Options(
					huh.NewOption("In memory (single instance, lost on restart)", "memory"),
					huh.NewOption("SQLite file (single instance)", "sqlite"),
					huh.NewOption("Postgres (multiple instances, needs DIFYBRIDGE_POSTGRES_DSN)", "postgres"),
				).
				Value(&storage),
			huh.NewInput().
				Title("Listen port").
				Value(&port).
				Validate(func(s string) error {
					var n int
					if _, err := fmt.Sscan(s, &n); err != nil || n <= 0 || n > 65535 {
						return errors.New("enter a port between 1 and 65535")
					}
					return nil
				}),
			huh.NewConfirm().
				Title("Protect the /v1 ops API with a bearer token?").
				Value(&protect),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Write %s?", cfgPath)).
				Value(&confirm),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("onboard: %w", err)
	}
	if !confirm {
		fmt.Println("Aborted, nothing written.")
		return nil
	}

	cfg.Providers.Dify.APIKey = strings.TrimSpace(difyKey)
	cfg.Providers.Dify.APIBase = strings.TrimRight(strings.TrimSpace(difyBase), "/")
	cfg.Channels.WeChat.Enabled = true
	cfg.Channels.WeChat.Token = strings.TrimSpace(wxToken)
	cfg.Channels.WeChat.AppID = strings.TrimSpace(appID)
	cfg.Channels.WeChat.AppSecret = strings.TrimSpace(appSecret)
	cfg.Sessions.Storage = storage
	fmt.Sscan(port, &cfg.Gateway.Port)
	if protect && cfg.Gateway.Token == "" {
		cfg.Gateway.Token = generateToken(16)
	} else if !protect {
		cfg.Gateway.Token = ""
	}

	return writeOnboardConfig(cfgPath, cfg)
}

// runAutoOnboard performs non-interactive setup from environment variables.
func runAutoOnboard(cfgPath string) error {
	fmt.Println("Auto-onboard: building config from environment...")
	cfg := config.Default()
	cfg.ApplyEnvOverrides()
	if cfg.Gateway.Token == "" {
		cfg.Gateway.Token = generateToken(16)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("auto-onboard: %w", err)
	}
	return writeOnboardConfig(cfgPath, cfg)
}

func writeOnboardConfig(cfgPath string, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		fmt.Println("Warning:", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", cfgPath)
	fmt.Printf("  Webhook URL:  http://<your-host>:%d%s\n", cfg.Gateway.Port, cfg.Channels.WeChat.WebhookPath)
	if cfg.Gateway.Token != "" {
		fmt.Printf("  Ops token:    %s\n", cfg.Gateway.Token)
	}
	if cfg.Sessions.Storage == "postgres" {
		if os.Getenv("DIFYBRIDGE_POSTGRES_DSN") == "" {
			fmt.Println("  Set DIFYBRIDGE_POSTGRES_DSN before starting.")
		}
		fmt.Println("  Then run:     difybridge migrate up")
	}
	fmt.Println()
	fmt.Println("Start the gateway with:  difybridge")
	return nil
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func generateToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return hex.EncodeToString(b)
}
