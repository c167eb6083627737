package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/crewdhq/crewd/internal/queue"
)

func sendCmd() *cobra.Command {
	var (
		api     string
		channel string
		sender  string
		message string
		agentID string
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Enqueue a message through a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("--message is required")
			}

			client := newAPIClient(api)
			messageID := uuid.NewString()

			var enqueued queue.Message
			err := client.post("/api/messages", map[string]any{
				"channel":   channel,
				"sender":    sender,
				"senderId":  sender,
				"message":   message,
				"messageId": messageID,
				"agent":     agentID,
			}, &enqueued)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "enqueued %s (queue id %d)\n", enqueued.MessageID, enqueued.ID)

			if !wait {
				return nil
			}
			return waitForResponse(client, channel, messageID, timeout)
		},
	}

	addAPIFlag(cmd, &api)
	cmd.Flags().StringVar(&channel, "channel", "cli", "channel name the message arrives on")
	cmd.Flags().StringVar(&sender, "sender", "cli", "sender display name")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message text (required)")
	cmd.Flags().StringVar(&agentID, "agent", "", "target agent id (empty = mention routing / default)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll for the agent's response and print it")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long --wait polls before giving up")
	return cmd
}

// waitForResponse polls the pending feed until the reply to messageID
// shows up, prints it, and acks it so the row is not delivered twice.
func waitForResponse(client *apiClient, channel, messageID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("no response after %s (message may still be processing)", timeout)
		}

		var pending []queue.Response
		if err := client.get("/api/responses/pending?channel="+channel, &pending); err != nil {
			return err
		}
		for _, resp := range pending {
			if resp.MessageID != messageID {
				continue
			}
			fmt.Println(resp.Text)
			for _, f := range resp.Files {
				fmt.Fprintf(os.Stderr, "file: %s\n", f)
			}
			if err := client.post(fmt.Sprintf("/api/responses/%d/ack", resp.ID), nil, nil); err != nil {
				return fmt.Errorf("response printed but ack failed: %w", err)
			}
			return nil
		}

		time.Sleep(time.Second)
	}
}
