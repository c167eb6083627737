package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/crewdhq/crewd/internal/config"
	"github.com/crewdhq/crewd/internal/queue"
	"github.com/crewdhq/crewd/internal/upgrade"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("crewd doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults apply, run: crewd init)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	fmt.Printf("  Agents:   %d configured, default %q\n", len(cfg.Agents), cfg.ResolveDefaultAgentID())
	if len(cfg.Teams) > 0 {
		fmt.Printf("  Teams:    %d configured\n", len(cfg.Teams))
	}

	// Queue backend.
	fmt.Println()
	fmt.Println("  Queue:")
	if cfg.IsManagedMode() {
		checkManagedQueue(cfg.Database.PostgresDSN)
	} else {
		checkStandaloneQueue(cfg)
	}

	// Provider CLIs the configured agents launch.
	fmt.Println()
	fmt.Println("  Provider binaries:")
	for _, tag := range providerTags(cfg) {
		binary := cfg.ProviderFor(tag).Binary
		if binary == "" {
			binary = tag
		}
		checkBinary(tag, binary)
	}

	// Channels.
	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")

	// Gateway.
	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s\n", "Listen:", cfg.Gateway.Addr())
	if cfg.Gateway.Token != "" {
		fmt.Printf("    %-12s bearer token set\n", "Auth:")
	} else {
		fmt.Printf("    %-12s DISABLED (set CREWD_GATEWAY_TOKEN)\n", "Auth:")
	}
	if cfg.Gateway.Tailscale.Hostname != "" {
		fmt.Printf("    %-12s %s (requires -tags tsnet build)\n", "Tailscale:", cfg.Gateway.Tailscale.Hostname)
	}

	// Directories.
	fmt.Println()
	checkDir("Workspace", cfg.WorkspacePath())
	checkDir("Data dir", cfg.DataDir())
	if cfg.Hooks.Dir != "" {
		checkDir("Hooks dir", config.ExpandHome(cfg.Hooks.Dir))
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkStandaloneQueue(cfg *config.Config) {
	fmt.Printf("    %-12s standalone (sqlite)\n", "Mode:")
	fmt.Printf("    %-12s %s\n", "Database:", cfg.DBPath())

	store, err := queue.OpenSQLite(cfg.DBPath(), queue.Options{
		DefaultAgent: cfg.ResolveDefaultAgentID(),
		MaxRetries:   cfg.MaxRetries(),
	})
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
		return
	}
	defer store.Close()

	counts, err := store.Status(context.Background())
	if err != nil {
		fmt.Printf("    %-12s STATUS FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s incoming %d, processing %d, outgoing %d, dead %d\n",
		"Status:", counts.Incoming, counts.Processing, counts.Outgoing, counts.Dead)
}

func checkManagedQueue(dsn string) {
	fmt.Printf("    %-12s managed (postgres)\n", "Mode:")

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s connected\n", "Status:")

	s, err := upgrade.CheckSchema(db)
	if err != nil {
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		return
	}
	switch {
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY — run: crewd migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (run: crewd migrate up)\n", "Schema:", s.CurrentVersion)
	}

	pending, err := upgrade.PendingHooks(context.Background(), db)
	if err == nil && len(pending) > 0 {
		fmt.Printf("    %-12s %d pending\n", "Data hooks:", len(pending))
	} else if err == nil {
		fmt.Printf("    %-12s all applied\n", "Data hooks:")
	}
}

// providerTags returns the distinct provider tags across all agents.
func providerTags(cfg *config.Config) []string {
	seen := map[string]bool{}
	for _, a := range cfg.Agents {
		seen[a.Provider] = true
	}
	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing token env var)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(label, name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s %s NOT FOUND on PATH\n", label+":", name)
	} else {
		fmt.Printf("    %-12s %s\n", label+":", path)
	}
}

func checkDir(label, dir string) {
	fmt.Printf("  %s: %s", label, dir)
	if _, err := os.Stat(dir); err != nil {
		fmt.Println(" (NOT FOUND — created on gateway start)")
	} else {
		fmt.Println(" (OK)")
	}
}
