//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/crewdhq/crewd/internal/config"
)

// initTailscale serves the gateway mux on a tailnet listener alongside
// the main TCP listener, so remote operators reach the API without
// exposing a port. Returns a cleanup func, or nil when disabled.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	ts := cfg.Gateway.Tailscale
	if ts.Hostname == "" {
		return nil
	}

	stateDir := config.ExpandHome(ts.StateDir)
	if stateDir == "" {
		stateDir = filepath.Join(cfg.DataDir(), "tsnet")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		slog.Error("tailscale state dir unavailable", "dir", stateDir, "error", err)
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       stateDir,
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
		Logf: func(format string, args ...any) {
			// tsnet is chatty; keep its internals at debug.
			slog.Debug(fmt.Sprintf("tsnet: "+format, args...))
		},
	}

	var (
		ln  net.Listener
		err error
	)
	if ts.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listener failed", "hostname", ts.Hostname, "error", err)
		srv.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()
	go func() {
		slog.Info("gateway.tailscale_started", "hostname", ts.Hostname, "tls", ts.EnableTLS)
		if serveErr := httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Warn("tailscale serve ended", "error", serveErr)
		}
	}()

	return func() {
		httpSrv.Close()
		srv.Close()
	}
}
