package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and chat status",
	Long:  "Display the effective configuration and, when a token is set, fetch live conversation counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		fmt.Println()
		fmt.Println("Identity:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.FirstName != "" || cfg.Auth.LastName != "" {
			fmt.Printf("  Name:        %s %s\n", cfg.Auth.FirstName, cfg.Auth.LastName)
		}
		fmt.Printf("  Role:        %s\n", valueOrDefault(cfg.Auth.Role, "(not set)"))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Chat.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}
