package agent

import (
	"reflect"
	"testing"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		prompt   string
		model    string
		reset    bool
		want     []string
	}{
		{
			name:     "claude continue",
			provider: "claude",
			prompt:   "hello",
			model:    "claude-sonnet-4-5",
			want:     []string{"-p", "hello", "--continue", "--model", "claude-sonnet-4-5"},
		},
		{
			name:     "claude reset drops continue",
			provider: "claude",
			prompt:   "hello",
			model:    "claude-sonnet-4-5",
			reset:    true,
			want:     []string{"-p", "hello", "--model", "claude-sonnet-4-5"},
		},
		{
			name:     "claude without model",
			provider: "claude",
			prompt:   "hello",
			want:     []string{"-p", "hello", "--continue"},
		},
		{
			name:     "codex resumes last session",
			provider: "codex",
			prompt:   "fix it",
			model:    "gpt-5",
			want:     []string{"exec", "resume", "--last", "--json", "--model", "gpt-5", "fix it"},
		},
		{
			name:     "codex reset starts fresh",
			provider: "codex",
			prompt:   "fix it",
			model:    "gpt-5",
			reset:    true,
			want:     []string{"exec", "--json", "--model", "gpt-5", "fix it"},
		},
		{
			name:     "opencode continue",
			provider: "opencode",
			prompt:   "review this",
			model:    "anthropic/claude-sonnet-4-5",
			want:     []string{"run", "review this", "--continue", "--model", "anthropic/claude-sonnet-4-5", "--format", "json"},
		},
		{
			name:     "opencode reset",
			provider: "opencode",
			prompt:   "review this",
			reset:    true,
			want:     []string{"run", "review this", "--format", "json"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildArgs(tt.provider, tt.prompt, tt.model, tt.reset)
			if err != nil {
				t.Fatalf("buildArgs: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("buildArgs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildArgsUnknownProvider(t *testing.T) {
	if _, err := buildArgs("gemini-cli", "hi", "", false); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestResolveModel(t *testing.T) {
	tests := []struct {
		name      string
		provider  string
		tag       string
		overrides map[string]string
		want      string
	}{
		{name: "builtin alias", provider: "claude", tag: "sonnet", want: "claude-sonnet-4-5"},
		{name: "builtin codex alias", provider: "codex", tag: "gpt5", want: "gpt-5"},
		{name: "opencode alias includes vendor prefix", provider: "opencode", tag: "gemini", want: "google/gemini-2.5-pro"},
		{name: "config override wins", provider: "claude", tag: "sonnet", overrides: map[string]string{"sonnet": "claude-sonnet-next"}, want: "claude-sonnet-next"},
		{name: "unknown tag passes through", provider: "claude", tag: "claude-3-7-sonnet-latest", want: "claude-3-7-sonnet-latest"},
		{name: "empty tag stays empty", provider: "claude", tag: "", want: ""},
		{name: "alias tables are per provider", provider: "codex", tag: "sonnet", want: "sonnet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveModel(tt.provider, tt.tag, tt.overrides); got != tt.want {
				t.Errorf("ResolveModel(%q, %q) = %q, want %q", tt.provider, tt.tag, got, tt.want)
			}
		})
	}
}

func TestClaudeAnswerTrims(t *testing.T) {
	got, err := parseAnswer("claude", "\n  All done.\n\n")
	if err != nil {
		t.Fatalf("parseAnswer: %v", err)
	}
	if got != "All done." {
		t.Errorf("answer = %q", got)
	}
}

func TestClaudeAnswerEmpty(t *testing.T) {
	if _, err := parseAnswer("claude", "   \n"); err == nil {
		t.Fatal("expected error for empty stdout")
	}
}

func TestCodexAnswer(t *testing.T) {
	stdout := `
[2026-01-10T10:00:00] OpenAI Codex v0.40.0
{"type":"session.created","session_id":"abc"}
{"type":"item.completed","item":{"item_type":"reasoning","text":"thinking"}}
not json at all
{"type":"item.completed","item":{"item_type":"agent_message","text":"first draft"}}
{"type":"item.completed","item":{"item_type":"command_execution","text":"go test"}}
{"type":"item.completed","item":{"item_type":"agent_message","text":"Final answer.\n"}}
{"type":"turn.completed","usage":{"input_tokens":10}}
`
	got, err := parseAnswer("codex", stdout)
	if err != nil {
		t.Fatalf("parseAnswer: %v", err)
	}
	if got != "Final answer." {
		t.Errorf("answer = %q, want %q", got, "Final answer.")
	}
}

func TestCodexAnswerMissing(t *testing.T) {
	stdout := `{"type":"session.created","session_id":"abc"}
{"type":"item.completed","item":{"item_type":"reasoning","text":"hmm"}}`
	if _, err := parseAnswer("codex", stdout); err == nil {
		t.Fatal("expected error when no agent message is present")
	}
}

func TestOpencodeAnswer(t *testing.T) {
	stdout := `{"type":"step_start"}
{"part":{"type":"tool","text":""}}
{"part":{"type":"text","text":"working on it"}}
garbage line
{"part":{"type":"text","text":"Here is the review.  "}}
{"type":"step_finish"}`
	got, err := parseAnswer("opencode", stdout)
	if err != nil {
		t.Fatalf("parseAnswer: %v", err)
	}
	if got != "Here is the review." {
		t.Errorf("answer = %q, want %q", got, "Here is the review.")
	}
}

func TestOpencodeAnswerMissing(t *testing.T) {
	if _, err := parseAnswer("opencode", `{"type":"step_start"}`); err == nil {
		t.Fatal("expected error when no text part is present")
	}
}
