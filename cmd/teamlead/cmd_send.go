package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aristath/teamlead/internal/backend"
)

// newSendCmd creates the "teamlead send" subcommand.
func newSendCmd(opts *options) *cobra.Command {
	var group, sender string

	cmd := &cobra.Command{
		Use:   "send <text...>",
		Short: "Queue a chat message for a group",
		Long:  "Store an inbound message for a group as if it arrived from the chat.\nA running loop picks it up on its next tick.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return errors.New("send: empty message")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			g, err := findGroup(cfg, group)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			logger, err := opts.newLogger(cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}

			st, err := openStores(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			defer st.Close()

			msg := backend.Message{
				ID:        uuid.NewString(),
				ChatID:    g.ChatID,
				Sender:    sender,
				Content:   text,
				Timestamp: time.Now().UTC(),
			}
			if err := st.db.StoreMessage(cmd.Context(), msg); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued message %s for %s\n", msg.ID, g.Folder)
			return nil
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "group folder or chat ID")
	cmd.Flags().StringVar(&sender, "sender", "cli", "sender name recorded on the message")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}
