package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crewdhq/crewd/internal/mcpserver"
)

func mcpCmd() *cobra.Command {
	var api string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve queue operations as MCP tools over stdio",
		Long: "Exposes queue_status, send_message and recent_responses as Model Context\n" +
			"Protocol tools, backed by a running gateway. Point an MCP-capable client's\n" +
			"stdio transport at `crewd mcp`.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return mcpserver.ServeStdio(ctx, mcpserver.Options{
				APIBase: api,
				Token:   gatewayTokenFromEnv(),
				Version: Version,
			})
		},
	}

	addAPIFlag(cmd, &api)
	return cmd
}
