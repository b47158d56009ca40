package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	messagesPages int
	messagesJSON  bool
)

func init() {
	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().IntVarP(&messagesPages, "pages", "p", 1, "number of history pages to load (0 for all)")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "output as JSON")
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Load and print the history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		for loaded := 0; messagesPages == 0 || loaded < messagesPages; loaded++ {
			if !s.engine.Cursor(conversationID).HasMore {
				break
			}
			if _, err := s.engine.LoadNextPage(ctx, conversationID); err != nil {
				return errors.Wrap(err, "failed to load history")
			}
		}

		if err := printLog(os.Stdout, s.engine.Messages(conversationID), messagesJSON); err != nil {
			return err
		}
		if !messagesJSON {
			cur := s.engine.Cursor(conversationID)
			fmt.Printf("Page %d of %d loaded\n", cur.Page, cur.TotalPages)
		}
		return nil
	},
}
