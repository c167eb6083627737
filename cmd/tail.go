package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

func tailCmd() *cobra.Command {
	var api string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream gateway lifecycle events as JSON lines",
		Long: "Connects to the gateway's /ws endpoint and prints every frame on its own\n" +
			"line: the hello frame first, then one event per queue/dispatch/conversation\n" +
			"transition. Pipe through jq for filtering.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, api)
		},
	}

	addAPIFlag(cmd, &api)
	return cmd
}

func runTail(ctx context.Context, api string) error {
	wsURL := strings.TrimRight(api, "/") + "/ws"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	header := http.Header{}
	if token := gatewayTokenFromEnv(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}
		fmt.Println(string(data))
	}
}
