package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/difybridge/internal/channels/wechat"
)

func menuCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "menu",
		Short: "Manage the Official Account custom menu",
	}
	cmd.AddCommand(menuCreateCmd())
	cmd.AddCommand(menuGetCmd())
	cmd.AddCommand(menuDeleteCmd())
	return cmd
}

func menuClient() (*wechat.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	client := newPushClient(cfg)
	if client == nil {
		return nil, errors.New("channels.wechat.app_id and app_secret are required")
	}
	return client, nil
}

func menuCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <menu.json5>",
		Short: "Publish a menu definition ({\"button\": [...]})",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			// accept json5 and send canonical JSON
			var menu map[string]interface{}
			if err := json5.Unmarshal(raw, &menu); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if _, ok := menu["button"]; !ok {
				return errors.New(`menu definition needs a top-level "button" array`)
			}
			data, err := json.Marshal(menu)
			if err != nil {
				return err
			}

			client, err := menuClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := client.CreateMenu(ctx, data); err != nil {
				return err
			}
			fmt.Println("Menu published.")
			return nil
		},
	}
}

func menuGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the current menu",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := menuClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			menu, err := client.GetMenu(ctx)
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, menu, "", "  "); err != nil {
				out.Reset()
				out.Write(menu)
			}
			fmt.Println(out.String())
			return nil
		},
	}
}

func menuDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Remove the custom menu",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := menuClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := client.DeleteMenu(ctx); err != nil {
				return err
			}
			fmt.Println("Menu deleted.")
			return nil
		},
	}
}
