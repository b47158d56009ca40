package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var statusConversation string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusConversation, "conversation", "", "probe the history endpoint of this conversation")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server reachability",
	Long:  "Display the current configuration and, with --conversation, fetch the first history page to check the session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		fmt.Println("Server:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Server.BaseURL, chatsync.DefaultBaseURL))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Server.Transport, "ws"))
		if cfg.Server.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Server.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		if cfg.Server.WebhookSecret != "" {
			fmt.Println("  Webhook:     secret configured")
		}

		engine := cfg.Engine
		fmt.Println()
		fmt.Println("Engine:")
		fmt.Printf("  Viewer:       %s\n", valueOrDefault(engine.ViewerID, "(not set)"))
		fmt.Printf("  Media base:   %s\n", valueOrDefault(engine.MediaBaseURL, "(none)"))
		fmt.Printf("  Send timeout: %s\n", orDefault(engine.SendTimeout, chatsync.DefaultSendTimeout))
		fmt.Printf("  Echo window:  %s\n", orDefault(engine.EchoWindow, chatsync.DefaultEchoWindow))
		fmt.Printf("  Log level:    %s\n", valueOrDefault(engine.LogLevel, "info"))

		if statusConversation == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		s, err := openSession()
		if err != nil {
			fmt.Printf("  %v\n", err)
			return nil
		}
		defer s.engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := s.client.FetchPage(ctx, &chatsync.PageRequest{
			ConversationID: statusConversation,
			Page:           1,
			Limit:          1,
		})
		if err != nil {
			fmt.Printf("  Error fetching history: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversation %s reachable, %d page(s) of history\n",
			statusConversation, page.TotalPages)
		return nil
	},
}

func orDefault(d chatsync.Duration, def time.Duration) string {
	switch {
	case d < 0:
		return "disabled"
	case d == 0:
		return def.String()
	}
	return time.Duration(d).String()
}
