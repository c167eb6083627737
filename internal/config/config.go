package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultAgentID is the agent used when a message names no target.
const DefaultAgentID = "default"

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the crewd daemon.
type Config struct {
	Workspace    WorkspaceConfig         `json:"workspace"`
	Data         DataConfig              `json:"data"`
	Database     DatabaseConfig          `json:"database,omitempty"`
	Queue        QueueConfig             `json:"queue,omitempty"`
	Conversation ConversationConfig      `json:"conversation,omitempty"`
	Limits       LimitsConfig            `json:"limits,omitempty"`
	Agents       map[string]*AgentConfig `json:"agents"`
	Teams        map[string]*TeamConfig  `json:"teams,omitempty"`
	Providers    ProvidersConfig         `json:"providers,omitempty"`
	Hooks        HooksConfig             `json:"hooks,omitempty"`
	Gateway      GatewayConfig           `json:"gateway"`
	Channels     ChannelsConfig          `json:"channels,omitempty"`
	Monitoring   MonitoringConfig        `json:"monitoring,omitempty"`
	Telemetry    TelemetryConfig         `json:"telemetry,omitempty"`
	mu           sync.RWMutex
}

// WorkspaceConfig locates the root under which agent working
// directories are created.
type WorkspaceConfig struct {
	Path string `json:"path"`
}

// DataConfig locates the daemon's own state: the queue database and
// the files area for uploaded and spilled artefacts.
type DataConfig struct {
	Dir string `json:"dir"`
}

// DatabaseConfig selects the queue backend.
// PostgresDSN is NEVER read from config.json (secret) — only from env CREWD_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`              // from env CREWD_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true when the queue lives in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// QueueConfig tunes the durable queue.
type QueueConfig struct {
	MaxRetries   int    `json:"max_retries,omitempty"`   // attempts before dead-letter (default 5)
	PollInterval string `json:"poll_interval,omitempty"` // dispatcher tick (default "2s", Go duration)
	StaleAfter   string `json:"stale_after,omitempty"`   // processing rows older than this are reclaimed (default "10m")
	Retention    string `json:"retention,omitempty"`     // completed/acked rows pruned after this (default "24h")
}

// ConversationConfig tunes team conversations.
type ConversationConfig struct {
	TTL         string `json:"ttl,omitempty"`          // abandon conversations older than this (default "30m")
	MaxMessages int    `json:"max_messages,omitempty"` // mention fan-out cap per conversation (default 20)
}

// LimitsConfig caps user-visible payload sizes.
type LimitsConfig struct {
	MaxResponseChars int `json:"max_response_chars,omitempty"` // longer replies spill to a file (default 4000)
}

// AgentConfig describes one assistant. The map key in Config.Agents is
// the agent id (short lowercase slug); ID is filled in at load time.
type AgentConfig struct {
	ID           string `json:"-"`
	Name         string `json:"name,omitempty"`
	Provider     string `json:"provider"`                    // "claude", "codex", or "opencode"
	Model        string `json:"model,omitempty"`             // alias or concrete id
	WorkingDir   string `json:"working_directory,omitempty"` // absolute, or relative to workspace; empty = <workspace>/<id>
	SystemPrompt string `json:"system_prompt,omitempty"`
	PromptFile   string `json:"prompt_file,omitempty"`
}

// DisplayName returns the human-facing name, falling back to the id.
func (a *AgentConfig) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// TeamConfig describes a named group of agents with a leader.
type TeamConfig struct {
	ID          string              `json:"-"`
	Name        string              `json:"name,omitempty"`
	Agents      FlexibleStringSlice `json:"agents"`
	LeaderAgent string              `json:"leader_agent"`
}

// HasMember reports whether the team contains the given agent id.
func (t *TeamConfig) HasMember(agentID string) bool {
	for _, id := range t.Agents {
		if id == agentID {
			return true
		}
	}
	return false
}

// ProvidersConfig holds per-provider subprocess settings.
type ProvidersConfig struct {
	Timeout  string         `json:"timeout,omitempty"` // per-invocation timeout (default "10m")
	Claude   ProviderConfig `json:"claude,omitempty"`
	Codex    ProviderConfig `json:"codex,omitempty"`
	OpenCode ProviderConfig `json:"opencode,omitempty"`
}

// ProviderConfig overrides how one provider CLI is launched.
type ProviderConfig struct {
	Binary string            `json:"binary,omitempty"` // executable name or path (default: provider tag)
	Models map[string]string `json:"models,omitempty"` // extra alias → concrete-id entries
}

// HooksConfig declares the transform pipeline.
type HooksConfig struct {
	Dir      string     `json:"dir,omitempty"` // scripts named in_* / out_* are appended in lexical order
	Incoming []HookSpec `json:"incoming,omitempty"`
	Outgoing []HookSpec `json:"outgoing,omitempty"`
}

// HookSpec declares one transform. Kind selects which fields apply:
// "replace" uses Pattern+Replacement, "prefix"/"suffix" use Text,
// "truncate" uses MaxChars, "command" uses Command.
type HookSpec struct {
	Name        string `json:"name,omitempty"`
	Kind        string `json:"kind"`
	Pattern     string `json:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty"`
	Text        string `json:"text,omitempty"`
	MaxChars    int    `json:"max_chars,omitempty"`
	Command     string `json:"command,omitempty"`
}

// GatewayConfig configures the HTTP/WebSocket server.
type GatewayConfig struct {
	Host      string          `json:"host"`
	Port      int             `json:"port"`
	Token     string          `json:"-"` // from env CREWD_GATEWAY_TOKEN only; empty disables auth
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
}

// Addr returns the host:port listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`   // tailnet machine name (e.g. "crewd")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory
	AuthKey   string `json:"-"`                    // from env CREWD_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// ChannelsConfig enables the built-in chat adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

// TelegramConfig configures the Telegram adapter.
// Token comes from env CREWD_TELEGRAM_TOKEN only.
type TelegramConfig struct {
	Enabled      bool                `json:"enabled,omitempty"`
	Token        string              `json:"-"`
	AllowFrom    FlexibleStringSlice `json:"allow_from,omitempty"`    // user ids or @usernames; empty = everyone
	PollInterval string              `json:"poll_interval,omitempty"` // response poll period (default "2s")
}

// DiscordConfig configures the Discord adapter.
// Token comes from env CREWD_DISCORD_TOKEN only.
type DiscordConfig struct {
	Enabled   bool                `json:"enabled,omitempty"`
	Token     string              `json:"-"`
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
}

// MonitoringConfig configures the heartbeat producer.
type MonitoringConfig struct {
	HeartbeatInterval int    `json:"heartbeat_interval,omitempty"` // seconds between self-prompts; 0 disables
	ActiveHours       string `json:"active_hours,omitempty"`       // cron expression gate, e.g. "* 8-20 * * *"
	HeartbeatTarget   string `json:"heartbeat_target,omitempty"`   // agent id (default "default")
	HeartbeatPrompt   string `json:"heartbeat_prompt,omitempty"`
	AckMaxChars       int    `json:"ack_max_chars,omitempty"` // heartbeat reply log preview length (default 300)
}

// TelemetryConfig configures OpenTelemetry span export.
// When enabled, spans go to an OTLP-compatible backend (Jaeger, Tempo, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "crewd"
	Headers     map[string]string `json:"headers,omitempty"`      // e.g. auth tokens for cloud backends
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Workspace = src.Workspace
	c.Data = src.Data
	c.Database = src.Database
	c.Queue = src.Queue
	c.Conversation = src.Conversation
	c.Limits = src.Limits
	c.Agents = src.Agents
	c.Teams = src.Teams
	c.Providers = src.Providers
	c.Hooks = src.Hooks
	c.Gateway = src.Gateway
	c.Channels = src.Channels
	c.Monitoring = src.Monitoring
	c.Telemetry = src.Telemetry
}

// WorkspacePath returns the expanded workspace root.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Workspace.Path)
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string {
	return ExpandHome(c.Data.Dir)
}

// DBPath returns the standalone queue database file path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir(), "queue.db")
}

// FilesDir returns the artefact area for downloads and spilled replies.
func (c *Config) FilesDir() string {
	return filepath.Join(c.DataDir(), "files")
}

// SortedAgentIDs returns all agent ids in lexical order.
func (c *Config) SortedAgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveDefaultAgentID returns the default agent: the "default" entry
// when present, otherwise the first configured agent in id order.
func (c *Config) ResolveDefaultAgentID() string {
	if _, ok := c.Agents[DefaultAgentID]; ok {
		return DefaultAgentID
	}
	ids := c.SortedAgentIDs()
	if len(ids) > 0 {
		return ids[0]
	}
	return DefaultAgentID
}

// AgentDisplayName returns the display name for an agent id, falling
// back to the id itself for unknown agents.
func (c *Config) AgentDisplayName(agentID string) string {
	if a, ok := c.Agents[agentID]; ok {
		return a.DisplayName()
	}
	return agentID
}

// MaxRetries returns queue.max_retries with the default applied.
func (c *Config) MaxRetries() int {
	if c.Queue.MaxRetries > 0 {
		return c.Queue.MaxRetries
	}
	return 5
}

// PollInterval returns queue.poll_interval with the default applied.
func (c *Config) PollInterval() time.Duration {
	return parseDuration(c.Queue.PollInterval, 2*time.Second)
}

// StaleAfter returns queue.stale_after with the default applied.
func (c *Config) StaleAfter() time.Duration {
	return parseDuration(c.Queue.StaleAfter, 10*time.Minute)
}

// Retention returns queue.retention with the default applied.
func (c *Config) Retention() time.Duration {
	return parseDuration(c.Queue.Retention, 24*time.Hour)
}

// ConversationTTL returns conversation.ttl with the default applied.
func (c *Config) ConversationTTL() time.Duration {
	return parseDuration(c.Conversation.TTL, 30*time.Minute)
}

// ConversationMaxMessages returns conversation.max_messages with the default applied.
func (c *Config) ConversationMaxMessages() int {
	if c.Conversation.MaxMessages > 0 {
		return c.Conversation.MaxMessages
	}
	return 20
}

// MaxResponseChars returns limits.max_response_chars with the default applied.
func (c *Config) MaxResponseChars() int {
	if c.Limits.MaxResponseChars > 0 {
		return c.Limits.MaxResponseChars
	}
	return 4000
}

// InvokeTimeout returns providers.timeout with the default applied.
func (c *Config) InvokeTimeout() time.Duration {
	return parseDuration(c.Providers.Timeout, 10*time.Minute)
}

// ProviderFor returns the subprocess settings for a provider tag.
func (c *Config) ProviderFor(tag string) ProviderConfig {
	switch tag {
	case "claude":
		return c.Providers.Claude
	case "codex":
		return c.Providers.Codex
	case "opencode":
		return c.Providers.OpenCode
	}
	return ProviderConfig{}
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
