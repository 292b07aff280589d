package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	carelink "github.com/carelink-health/carelink-go"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <chat-id>",
	Short: "Open a live chat session",
	Long: "Open a chat: hydrate its history, join its room and stream inbound messages.\n" +
		"Lines typed on stdin are sent as messages. Ctrl-D exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		logger := newLogger()
		client, rc := getClient(logger)

		self, err := selfParticipant(rc)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Resolve the counterpart from the conversation list.
		summaries, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}
		var counterpart carelink.Participant
		found := false
		for _, s := range summaries {
			if s.ChatID == chatID {
				counterpart = s.Counterpart
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("no conversation %s", chatID)
		}

		mgr := carelink.NewConnectionManager(client.BaseURL(), nil, logger)
		conn, err := mgr.Connect(ctx, rc.Token)
		if err != nil {
			return fmt.Errorf("realtime connect failed: %w", err)
		}
		defer mgr.Disconnect()

		list := carelink.NewListAggregator(client.Conversations, logger)
		list.StartPolling(ctx, carelink.DefaultPollInterval)
		defer list.Stop()

		sess := carelink.NewChatSession(self, client.History, conn, list, logger)
		sess.Attach(conn)
		sess.SetMessageHandler(func(m carelink.Message) {
			if m.SenderID != self.ID {
				fmt.Printf("%s %s: %s\n", m.SentAt.Format("15:04"), counterpart.Name, m.Content)
			}
		})
		conn.OnDisconnected(func(reason string) {
			fmt.Fprintf(os.Stderr, "connection lost: %s, restart to reconnect\n", reason)
		})

		if err := sess.Open(ctx, chatID, counterpart); err != nil {
			return err
		}
		defer sess.Close(context.Background())

		for _, m := range sess.Store().Messages() {
			who := self.Name
			if m.SenderID != self.ID {
				who = counterpart.Name
			}
			fmt.Printf("%s %s: %s\n", m.SentAt.Format("15:04"), who, m.Content)
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			sendCtx, sendCancel := context.WithTimeout(ctx, 10*time.Second)
			clientID, err := sess.Send(sendCtx, line)
			sendCancel()
			switch {
			case errors.Is(err, carelink.ErrEmptyContent):
				continue
			case errors.Is(err, carelink.ErrNotConnected):
				fmt.Fprintf(os.Stderr, "message pending (offline); retry with the same session id %s\n", clientID)
			case err != nil:
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
		return scanner.Err()
	},
}
