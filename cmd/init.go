package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/crewdhq/crewd/internal/config"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup: write a starter config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	cfgPath := resolveConfigPath()

	if _, err := os.Stat(cfgPath); err == nil {
		var overwrite bool
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite it?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return initAborted(err)
		}
		if !overwrite {
			fmt.Println("Keeping existing config.")
			return nil
		}
	}

	cfg := config.Default()
	var (
		workspace = cfg.Workspace.Path
		dataDir   = cfg.Data.Dir
		agentName = "Assistant"
		provider  = "claude"
		model     = "sonnet"
		port      = strconv.Itoa(cfg.Gateway.Port)
		telegram  bool
		discord   bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("Agent working directories are created under this path.").
				Value(&workspace),
			huh.NewInput().
				Title("Data directory").
				Description("Queue database and file artefacts live here.").
				Value(&dataDir),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Default agent name").
				Value(&agentName),
			huh.NewSelect[string]().
				Title("Provider CLI").
				Description("The coding agent crewd launches for each message.").
				Options(huh.NewOptions("claude", "codex", "opencode")...).
				Value(&provider),
			huh.NewInput().
				Title("Model").
				Description("Alias (sonnet, opus, haiku, ...) or a concrete model id.").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway port").
				Validate(func(s string) error {
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil || n < 1 || n > 65535 {
						return errors.New("enter a port between 1 and 65535")
					}
					return nil
				}).
				Value(&port),
			huh.NewConfirm().
				Title("Enable the Telegram channel?").
				Description("Bot token is read from CREWD_TELEGRAM_TOKEN at runtime.").
				Value(&telegram),
			huh.NewConfirm().
				Title("Enable the Discord channel?").
				Description("Bot token is read from CREWD_DISCORD_TOKEN at runtime.").
				Value(&discord),
		),
	)
	if err := form.Run(); err != nil {
		return initAborted(err)
	}

	cfg.Workspace.Path = strings.TrimSpace(workspace)
	cfg.Data.Dir = strings.TrimSpace(dataDir)
	cfg.Agents = map[string]*config.AgentConfig{
		config.DefaultAgentID: {
			Name:     strings.TrimSpace(agentName),
			Provider: provider,
			Model:    strings.TrimSpace(model),
		},
	}
	cfg.Gateway.Port, _ = strconv.Atoi(strings.TrimSpace(port))
	cfg.Channels.Telegram.Enabled = telegram
	cfg.Channels.Discord.Enabled = discord

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("\nWrote %s\n\n", cfgPath)
	fmt.Println("Next steps:")
	fmt.Println("  crewd gateway                      # start the daemon")
	fmt.Println("  crewd send -m \"hello\" --wait       # send a test message")
	if telegram {
		fmt.Println("  export CREWD_TELEGRAM_TOKEN=...    # before starting the gateway")
	}
	if discord {
		fmt.Println("  export CREWD_DISCORD_TOKEN=...     # before starting the gateway")
	}
	return nil
}

func initAborted(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		fmt.Println("Setup cancelled.")
		return nil
	}
	return err
}
