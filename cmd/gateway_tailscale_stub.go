//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/crewdhq/crewd/internal/config"
)

// initTailscale is a no-op unless built with `go build -tags tsnet`.
func initTailscale(_ context.Context, cfg *config.Config, _ *http.ServeMux) func() {
	if cfg.Gateway.Tailscale.Hostname != "" {
		slog.Warn("gateway.tailscale.hostname is set but this binary was built without tsnet support",
			"hint", "rebuild with: go build -tags tsnet")
	}
	return nil
}
