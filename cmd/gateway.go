package cmd

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/crewdhq/crewd/internal/agent"
	"github.com/crewdhq/crewd/internal/bus"
	"github.com/crewdhq/crewd/internal/channels"
	"github.com/crewdhq/crewd/internal/channels/discord"
	"github.com/crewdhq/crewd/internal/channels/telegram"
	"github.com/crewdhq/crewd/internal/config"
	"github.com/crewdhq/crewd/internal/dispatch"
	"github.com/crewdhq/crewd/internal/gateway"
	"github.com/crewdhq/crewd/internal/heartbeat"
	"github.com/crewdhq/crewd/internal/hooks"
	"github.com/crewdhq/crewd/internal/maintenance"
	"github.com/crewdhq/crewd/internal/queue"
	"github.com/crewdhq/crewd/internal/queue/pg"
	"github.com/crewdhq/crewd/internal/team"
	"github.com/crewdhq/crewd/internal/tracing"
	"github.com/crewdhq/crewd/internal/upgrade"
	"github.com/crewdhq/crewd/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the crewd daemon (queue, dispatcher, HTTP gateway, channels)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	for _, dir := range []string{cfg.DataDir(), cfg.FilesDir(), cfg.WorkspacePath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("failed to create directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OTLP span export; a no-op provider when telemetry is disabled.
	traceShutdown, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing setup failed, continuing without export", "error", err)
	} else {
		defer traceShutdown(context.Background())
	}

	store := openStore(cfg)
	defer store.Close()

	// Claims orphaned by a previous crash go back to pending before the
	// dispatcher starts.
	if n, err := store.RecoverStale(ctx, cfg.StaleAfter()); err != nil {
		slog.Warn("startup stale recovery failed", "error", err)
	} else if n > 0 {
		slog.Info("queue.recovered_stale", "count", n)
	}

	msgBus := bus.New()

	pipeline, err := hooks.New(cfg.Hooks)
	if err != nil {
		slog.Error("failed to build hook pipeline", "error", err)
		os.Exit(1)
	}
	if cfg.Hooks.Dir != "" {
		go func() {
			if err := pipeline.Watch(ctx); err != nil {
				slog.Warn("hook directory watcher unavailable", "error", err)
			}
		}()
	}

	convs := team.NewTracker(cfg.ConversationMaxMessages(), cfg.ConversationTTL())
	invoker := agent.NewInvoker(cfg)
	proc := dispatch.NewProcessor(store, cfg, invoker.Invoke, pipeline, convs, msgBus)
	dispatcher := dispatch.New(store, cfg, proc, msgBus)
	go dispatcher.Run(ctx)

	maint := maintenance.New(store, cfg, convs)
	go maint.Run(ctx)

	server := gateway.NewServer(cfg, msgBus, store, convs)
	server.SetVersion(Version)

	chanMgr := channels.NewManager()
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, store, msgBus, cfg.FilesDir())
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			chanMgr.Register(tg)
		}
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(cfg.Channels.Discord, store, msgBus, cfg.FilesDir())
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			chanMgr.Register(dc)
		}
	}
	go func() {
		if err := chanMgr.Run(ctx); err != nil {
			slog.Error("channel manager stopped", "error", err)
		}
	}()

	if cfg.Monitoring.HeartbeatInterval > 0 {
		go heartbeat.New(store, cfg).Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		server.BroadcastEvent(protocol.NewEvent(protocol.EventShutdown, nil))
		cancel()
	}()

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("crewd gateway starting",
		"version", Version,
		"mode", mode,
		"agents", cfg.SortedAgentIDs(),
		"channels", chanMgr.Names(),
	)

	// Tailscale listener: build the mux first, then pass it to
	// initTailscale so the same routes are served on both listeners.
	// Compiled via build tags: `go build -tags tsnet` to enable.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// openStore opens the queue backend the config selects. Managed mode
// refuses to start against an incompatible schema; migrations are
// operator-driven (`crewd migrate up`), never automatic.
func openStore(cfg *config.Config) queue.Store {
	opts := queue.Options{
		DefaultAgent: cfg.ResolveDefaultAgentID(),
		MaxRetries:   cfg.MaxRetries(),
	}

	if cfg.IsManagedMode() {
		checkSchema(cfg.Database.PostgresDSN)
		store, err := pg.Open(cfg.Database.PostgresDSN, opts)
		if err != nil {
			slog.Error("failed to open postgres queue", "error", err)
			os.Exit(1)
		}
		slog.Info("queue.opened", "backend", "postgres")
		return store
	}

	store, err := queue.OpenSQLite(cfg.DBPath(), opts)
	if err != nil {
		slog.Error("failed to open queue database", "path", cfg.DBPath(), "error", err)
		os.Exit(1)
	}
	slog.Info("queue.opened", "backend", "sqlite", "path", cfg.DBPath())
	return store
}

func checkSchema(dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("schema check: cannot open postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	status, err := upgrade.CheckSchema(db)
	if err != nil {
		slog.Error("schema check failed", "error", err)
		os.Exit(1)
	}
	if !status.Compatible {
		os.Stderr.WriteString(upgrade.FormatError(status))
		os.Exit(1)
	}
}
