package routing

import (
	"strings"
	"testing"

	"github.com/crewdhq/crewd/internal/config"
)

func testRegistry() (map[string]*config.AgentConfig, map[string]*config.TeamConfig) {
	agents := map[string]*config.AgentConfig{
		"default": {ID: "default", Name: "Assistant", Provider: "claude"},
		"coder":   {ID: "coder", Name: "Coder", Provider: "claude"},
		"writer":  {ID: "writer", Name: "Prose", Provider: "codex"},
	}
	teams := map[string]*config.TeamConfig{
		"dev": {ID: "dev", Name: "Dev Team", Agents: []string{"coder", "writer"}, LeaderAgent: "coder"},
	}
	return agents, teams
}

func TestResolve(t *testing.T) {
	agents, teams := testRegistry()

	tests := []struct {
		name      string
		text      string
		wantKind  string
		wantAgent string
		wantText  string
	}{
		{
			name:      "plain text goes to default",
			text:      "ping",
			wantKind:  KindAgent,
			wantAgent: "default",
			wantText:  "ping",
		},
		{
			name:      "agent mention strips the prefix",
			text:      "@coder fix the login bug",
			wantKind:  KindAgent,
			wantAgent: "coder",
			wantText:  "fix the login bug",
		},
		{
			name:      "mention matching is case folded",
			text:      "@CODER fix it",
			wantKind:  KindAgent,
			wantAgent: "coder",
			wantText:  "fix it",
		},
		{
			name:      "leading whitespace is ignored",
			text:      "  @coder go",
			wantKind:  KindAgent,
			wantAgent: "coder",
			wantText:  "go",
		},
		{
			name:      "team mention routes to the leader",
			text:      "@dev ship it",
			wantKind:  KindTeamLeader,
			wantAgent: "coder",
			wantText:  "ship it",
		},
		{
			name:      "display name resolves when no id matches",
			text:      "@Prose draft the notes",
			wantKind:  KindAgent,
			wantAgent: "writer",
			wantText:  "draft the notes",
		},
		{
			name:      "unknown mention is plain text",
			text:      "@nobody are you there",
			wantKind:  KindAgent,
			wantAgent: "default",
			wantText:  "@nobody are you there",
		},
		{
			name:      "mid-text mention does not route",
			text:      "please ask @coder later",
			wantKind:  KindAgent,
			wantAgent: "default",
			wantText:  "please ask @coder later",
		},
		{
			name:      "unknown slugs do not trigger multi-target",
			text:      "@coder ping @ghost too",
			wantKind:  KindAgent,
			wantAgent: "coder",
			wantText:  "ping @ghost too",
		},
		{
			name:      "repeated mention of one target is not ambiguous",
			text:      "@coder @coder hurry",
			wantKind:  KindAgent,
			wantAgent: "coder",
			wantText:  "@coder hurry",
		},
		{
			name:      "bare mention routes with an empty prompt",
			text:      "@coder",
			wantKind:  KindAgent,
			wantAgent: "coder",
			wantText:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.text, agents, teams)
			if got.Kind != tt.wantKind {
				t.Fatalf("kind = %q, want %q", got.Kind, tt.wantKind)
			}
			if got.AgentID != tt.wantAgent {
				t.Errorf("agent = %q, want %q", got.AgentID, tt.wantAgent)
			}
			if got.Text != tt.wantText {
				t.Errorf("text = %q, want %q", got.Text, tt.wantText)
			}
		})
	}
}

func TestResolveMultiTarget(t *testing.T) {
	agents, teams := testRegistry()

	tests := []struct {
		name     string
		text     string
		wantList string
	}{
		{"two agents", "@coder @writer please coordinate", "@coder, @writer"},
		{"agent and team", "@dev check with @writer", "@dev, @writer"},
		{"punctuation after mentions", "@coder, @writer: split this", "@coder, @writer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.text, agents, teams)
			if got.Kind != KindErrorMulti {
				t.Fatalf("kind = %q, want %q", got.Kind, KindErrorMulti)
			}
			if !strings.Contains(got.Reply, tt.wantList) {
				t.Errorf("reply %q does not list %q", got.Reply, tt.wantList)
			}
		})
	}
}

func TestResolveTieBreaks(t *testing.T) {
	// An agent id that shadows a team id, and an agent whose display
	// name collides with another agent's id.
	agents := map[string]*config.AgentConfig{
		"dev":    {ID: "dev", Name: "DevAgent", Provider: "claude"},
		"writer": {ID: "writer", Name: "dev", Provider: "claude"},
	}
	teams := map[string]*config.TeamConfig{
		"dev": {ID: "dev", Agents: []string{"dev", "writer"}, LeaderAgent: "writer"},
	}

	got := Resolve("@dev hello", agents, teams)
	if got.Kind != KindAgent || got.AgentID != "dev" {
		t.Errorf("agent id should beat team id and display name: got %q/%q", got.Kind, got.AgentID)
	}

	// Team id beats display name.
	delete(agents, "dev")
	got = Resolve("@dev hello", agents, teams)
	if got.Kind != KindTeamLeader || got.AgentID != "writer" {
		t.Errorf("team id should beat display name: got %q/%q", got.Kind, got.AgentID)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	agents, teams := testRegistry()
	first := Resolve("@dev ship it", agents, teams)
	for i := 0; i < 10; i++ {
		again := Resolve("@dev ship it", agents, teams)
		if again.Kind != first.Kind || again.AgentID != first.AgentID || again.Text != first.Text {
			t.Fatalf("resolution changed between runs: %+v vs %+v", first, again)
		}
	}
}

func TestResolveWithoutDefaultAgent(t *testing.T) {
	agents := map[string]*config.AgentConfig{
		"zeta":  {ID: "zeta", Provider: "claude"},
		"alpha": {ID: "alpha", Provider: "claude"},
	}
	got := Resolve("hello", agents, nil)
	if got.AgentID != "alpha" {
		t.Errorf("fallback agent = %q, want first id in order", got.AgentID)
	}
}
