package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var api string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts from a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status struct {
				Incoming            int `json:"incoming"`
				Processing          int `json:"processing"`
				Outgoing            int `json:"outgoing"`
				Dead                int `json:"dead"`
				ActiveConversations int `json:"activeConversations"`
			}
			if err := newAPIClient(api).get("/api/queue/status", &status); err != nil {
				return err
			}

			fmt.Printf("  %-16s %d\n", "Incoming:", status.Incoming)
			fmt.Printf("  %-16s %d\n", "Processing:", status.Processing)
			fmt.Printf("  %-16s %d\n", "Outgoing:", status.Outgoing)
			fmt.Printf("  %-16s %d\n", "Dead:", status.Dead)
			fmt.Printf("  %-16s %d\n", "Conversations:", status.ActiveConversations)
			return nil
		},
	}

	addAPIFlag(cmd, &api)
	return cmd
}
