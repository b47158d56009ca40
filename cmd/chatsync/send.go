package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	sendType      string
	sendForwarded bool
	sendMedia     []string
	sendRetries   int
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendType, "type", "t", "text", "payload kind")
	sendCmd.Flags().BoolVar(&sendForwarded, "forwarded", false, "mark the message as forwarded")
	sendCmd.Flags().StringSliceVar(&sendMedia, "media", nil, "attachment URL or path (repeatable)")
	sendCmd.Flags().IntVar(&sendRetries, "retries", 0, "retry a failed send this many times")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message optimistically and report how it resolved",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		m, err := s.engine.Send(ctx, chatsync.SendOptions{
			ConversationID: args[0],
			Content:        args[1],
			Type:           sendType,
			IsForwarded:    sendForwarded,
			Media:          sendMedia,
		})
		for attempt := 1; err != nil && attempt <= sendRetries; attempt++ {
			fmt.Fprintf(os.Stderr, "Send failed (%v), retrying (%d/%d)\n", err, attempt, sendRetries)
			token, ok := m.Key.Token()
			if !ok {
				break
			}
			m, err = s.engine.Retry(ctx, args[0], token)
		}
		if err != nil {
			return errors.Wrap(err, "send failed")
		}

		printMessage(os.Stdout, m)
		return nil
	},
}
