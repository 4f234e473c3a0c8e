package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/deep-research-ui/internal/services"
	"github.com/spf13/cobra"
)

// chatsCmd dumps the stored chat history to stdout, for inspecting the
// database without a running server.
func chatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "chats",
		Short:        "Print stored chats and their messages",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig()
			if err != nil {
				return err
			}

			boltDB, err := services.NewBoltDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer boltDB.Close()

			ctx := context.Background()
			chats, err := boltDB.Chats(ctx)
			if err != nil {
				return err
			}

			fmt.Println("\n=== CHAT SESSIONS ===")
			for _, chat := range chats {
				fmt.Printf("\nChat ID: %s\n", chat.ID)
				fmt.Printf("Title: %s\n", chat.Title)
				fmt.Printf("Created: %s\n", chat.CreatedAt.Format("2006-01-02 15:04:05"))
				fmt.Printf("Updated: %s\n", chat.UpdatedAt.Format("2006-01-02 15:04:05"))

				messages, err := boltDB.Messages(ctx, chat.ID)
				if err != nil {
					return err
				}

				fmt.Printf("\nMessages (%d total):\n", len(messages))
				for _, msg := range messages {
					fmt.Printf("\n[%s] %s:\n", msg.Timestamp.Format("2006-01-02 15:04:05"),
						strings.ToUpper(string(msg.Role)))
					content := msg.Content
					if runes := []rune(content); len(runes) > 200 {
						content = string(runes[:200]) + "..."
					}
					fmt.Println(content)
					if msg.ReportName != "" {
						fmt.Printf("Report: %s\n", msg.ReportName)
					}
				}

				fmt.Println("\n" + strings.Repeat("-", 80))
			}
			return nil
		},
	}
}
