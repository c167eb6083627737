package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{Path: "~/crewd"},
		Data:      DataConfig{Dir: "~/.crewd"},
		Agents: map[string]*AgentConfig{
			DefaultAgentID: {
				ID:       DefaultAgentID,
				Name:     "Assistant",
				Provider: "claude",
				Model:    "sonnet",
			},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{PollInterval: "2s"},
		},
		Monitoring: MonitoringConfig{
			HeartbeatTarget: DefaultAgentID,
			HeartbeatPrompt: "Heartbeat check-in. Reply briefly with anything that needs attention, or HEARTBEAT_OK.",
			AckMaxChars:     300,
		},
	}
}

// Load reads config from a JSON5 file, overlays env vars, normalizes
// the agent/team registry, and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.normalize()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets live in env only.
	envStr("CREWD_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CREWD_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CREWD_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CREWD_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("CREWD_MODE", &c.Database.Mode)
	envStr("CREWD_WORKSPACE", &c.Workspace.Path)
	envStr("CREWD_DATA_DIR", &c.Data.Dir)

	envStr("CREWD_HOST", &c.Gateway.Host)
	if v := os.Getenv("CREWD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Telemetry
	envStr("CREWD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CREWD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CREWD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CREWD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CREWD_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("CREWD_TSNET_HOSTNAME", &c.Gateway.Tailscale.Hostname)
	envStr("CREWD_TSNET_AUTH_KEY", &c.Gateway.Tailscale.AuthKey)
	envStr("CREWD_TSNET_DIR", &c.Gateway.Tailscale.StateDir)
}

// normalize lowercases registry keys and copies them onto the ID fields.
func (c *Config) normalize() {
	agents := make(map[string]*AgentConfig, len(c.Agents))
	for id, a := range c.Agents {
		if a == nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(id))
		a.ID = key
		agents[key] = a
	}
	c.Agents = agents

	teams := make(map[string]*TeamConfig, len(c.Teams))
	for id, t := range c.Teams {
		if t == nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(id))
		t.ID = key
		members := make(FlexibleStringSlice, 0, len(t.Agents))
		for _, m := range t.Agents {
			members = append(members, strings.ToLower(strings.TrimSpace(m)))
		}
		t.Agents = members
		t.LeaderAgent = strings.ToLower(strings.TrimSpace(t.LeaderAgent))
		teams[key] = t
	}
	c.Teams = teams
}

// Validate rejects configurations the daemon cannot run with.
// Called at startup; errors here abort the process.
func (c *Config) Validate() error {
	for id, a := range c.Agents {
		if !validSlug(id) {
			return fmt.Errorf("agent id %q: must be a lowercase slug (letters, digits, - or _)", id)
		}
		switch a.Provider {
		case "claude", "codex", "opencode":
		case "":
			return fmt.Errorf("agent %q: provider is required", id)
		default:
			return fmt.Errorf("agent %q: unknown provider %q", id, a.Provider)
		}
		if a.SystemPrompt != "" && a.PromptFile != "" {
			return fmt.Errorf("agent %q: system_prompt and prompt_file are mutually exclusive", id)
		}
	}

	for id, t := range c.Teams {
		if !validSlug(id) {
			return fmt.Errorf("team id %q: must be a lowercase slug (letters, digits, - or _)", id)
		}
		if len(t.Agents) == 0 {
			return fmt.Errorf("team %q: needs at least one member", id)
		}
		seen := make(map[string]bool, len(t.Agents))
		for _, m := range t.Agents {
			if seen[m] {
				return fmt.Errorf("team %q: duplicate member %q", id, m)
			}
			seen[m] = true
			if _, ok := c.Agents[m]; !ok {
				return fmt.Errorf("team %q: member %q is not a configured agent", id, m)
			}
		}
		if t.LeaderAgent == "" {
			return fmt.Errorf("team %q: leader_agent is required", id)
		}
		if !seen[t.LeaderAgent] {
			return fmt.Errorf("team %q: leader %q is not a member", id, t.LeaderAgent)
		}
	}

	if c.Database.Mode != "" && c.Database.Mode != "standalone" && c.Database.Mode != "managed" {
		return fmt.Errorf("database.mode %q: must be \"standalone\" or \"managed\"", c.Database.Mode)
	}

	for i, h := range append(append([]HookSpec{}, c.Hooks.Incoming...), c.Hooks.Outgoing...) {
		switch h.Kind {
		case "replace", "prefix", "suffix", "truncate", "command":
		default:
			return fmt.Errorf("hook #%d (%s): unknown kind %q", i, h.Name, h.Kind)
		}
	}

	return nil
}

func validSlug(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
