package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/crewdhq/crewd/internal/queue"
)

func deadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Inspect and manage dead-lettered messages",
	}
	cmd.AddCommand(deadListCmd())
	cmd.AddCommand(deadRetryCmd())
	cmd.AddCommand(deadDeleteCmd())
	return cmd
}

func deadListCmd() *cobra.Command {
	var api string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			var dead []queue.Message
			if err := newAPIClient(api).get("/api/queue/dead", &dead); err != nil {
				return err
			}
			if len(dead) == 0 {
				fmt.Println("no dead messages")
				return nil
			}
			for _, m := range dead {
				fmt.Printf("%d  %s  channel=%s sender=%s retries=%d\n",
					m.ID, m.CreatedAt.Format("2006-01-02 15:04:05"), m.Channel, m.Sender, m.Retries)
				fmt.Printf("    text:  %s\n", truncateLine(m.Text, 120))
				if m.LastError != "" {
					fmt.Printf("    error: %s\n", truncateLine(m.LastError, 120))
				}
			}
			return nil
		},
	}

	addAPIFlag(cmd, &api)
	return cmd
}

func deadRetryCmd() *cobra.Command {
	var api string

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a dead message with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			if err := newAPIClient(api).post(fmt.Sprintf("/api/queue/dead/%d/retry", id), nil, nil); err != nil {
				return err
			}
			fmt.Printf("message %d re-queued\n", id)
			return nil
		},
	}

	addAPIFlag(cmd, &api)
	return cmd
}

func deadDeleteCmd() *cobra.Command {
	var api string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a dead message permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			if err := newAPIClient(api).delete(fmt.Sprintf("/api/queue/dead/%d", id)); err != nil {
				return err
			}
			fmt.Printf("message %d deleted\n", id)
			return nil
		},
	}

	addAPIFlag(cmd, &api)
	return cmd
}

func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
