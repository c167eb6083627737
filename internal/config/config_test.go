package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, `{
		// comments and trailing commas are fine
		workspace: { path: "/tmp/ws" },
		queue: { max_retries: 3, poll_interval: "500ms", },
		agents: {
			Coder: { name: "Coder", provider: "codex", model: "gpt-5-codex" },
			default: { provider: "claude" },
		},
		teams: {
			dev: { name: "Dev", agents: ["coder", "default"], leader_agent: "CODER" },
		},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace.Path != "/tmp/ws" {
		t.Errorf("workspace = %q, want /tmp/ws", cfg.Workspace.Path)
	}
	if cfg.MaxRetries() != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries())
	}
	if got := cfg.PollInterval(); got != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", got)
	}
	if _, ok := cfg.Agents["coder"]; !ok {
		t.Error("agent key not lowercased")
	}
	if cfg.Agents["coder"].ID != "coder" {
		t.Errorf("agent ID = %q, want coder", cfg.Agents["coder"].ID)
	}
	if cfg.Teams["dev"].LeaderAgent != "coder" {
		t.Errorf("leader = %q, want coder", cfg.Teams["dev"].LeaderAgent)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Gateway.Port)
	}
	if cfg.MaxRetries() != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries())
	}
	if cfg.StaleAfter() != 10*time.Minute {
		t.Errorf("StaleAfter = %v, want 10m", cfg.StaleAfter())
	}
	if cfg.ConversationMaxMessages() != 20 {
		t.Errorf("ConversationMaxMessages = %d, want 20", cfg.ConversationMaxMessages())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CREWD_PORT", "9999")
	t.Setenv("CREWD_TELEGRAM_TOKEN", "tok-123")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Gateway.Port)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should auto-enable when token set via env")
	}
	if cfg.Channels.Telegram.Token != "tok-123" {
		t.Errorf("token = %q", cfg.Channels.Telegram.Token)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Agents = map[string]*AgentConfig{
			"coder":    {ID: "coder", Provider: "codex"},
			"reviewer": {ID: "reviewer", Provider: "claude"},
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: false},
		{
			name: "valid team",
			mutate: func(c *Config) {
				c.Teams = map[string]*TeamConfig{"dev": {ID: "dev", Agents: FlexibleStringSlice{"coder", "reviewer"}, LeaderAgent: "coder"}}
			},
		},
		{
			name: "leader not member",
			mutate: func(c *Config) {
				c.Teams = map[string]*TeamConfig{"dev": {ID: "dev", Agents: FlexibleStringSlice{"coder"}, LeaderAgent: "reviewer"}}
			},
			wantErr: true,
		},
		{
			name: "duplicate member",
			mutate: func(c *Config) {
				c.Teams = map[string]*TeamConfig{"dev": {ID: "dev", Agents: FlexibleStringSlice{"coder", "coder"}, LeaderAgent: "coder"}}
			},
			wantErr: true,
		},
		{
			name: "member not an agent",
			mutate: func(c *Config) {
				c.Teams = map[string]*TeamConfig{"dev": {ID: "dev", Agents: FlexibleStringSlice{"ghost"}, LeaderAgent: "ghost"}}
			},
			wantErr: true,
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Agents["coder"].Provider = "hal9000" },
			wantErr: true,
		},
		{
			name:    "bad agent slug",
			mutate:  func(c *Config) { c.Agents["Bad Slug!"] = &AgentConfig{ID: "Bad Slug!", Provider: "claude"} },
			wantErr: true,
		},
		{
			name: "prompt and prompt_file both set",
			mutate: func(c *Config) {
				c.Agents["coder"].SystemPrompt = "x"
				c.Agents["coder"].PromptFile = "y"
			},
			wantErr: true,
		},
		{
			name:    "bad hook kind",
			mutate:  func(c *Config) { c.Hooks.Incoming = []HookSpec{{Kind: "mystery"}} },
			wantErr: true,
		},
		{
			name:    "bad database mode",
			mutate:  func(c *Config) { c.Database.Mode = "clustered" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveDefaultAgentID(t *testing.T) {
	cfg := Default()
	cfg.Agents = map[string]*AgentConfig{
		"zeta":  {ID: "zeta", Provider: "claude"},
		"alpha": {ID: "alpha", Provider: "claude"},
	}
	if got := cfg.ResolveDefaultAgentID(); got != "alpha" {
		t.Errorf("ResolveDefaultAgentID = %q, want alpha (first in id order)", got)
	}

	cfg.Agents[DefaultAgentID] = &AgentConfig{ID: DefaultAgentID, Provider: "claude"}
	if got := cfg.ResolveDefaultAgentID(); got != DefaultAgentID {
		t.Errorf("ResolveDefaultAgentID = %q, want %q", got, DefaultAgentID)
	}
}
