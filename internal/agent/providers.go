package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
)

// Provider tags accepted in agent configs.
const (
	ProviderClaude   = "claude"
	ProviderCodex    = "codex"
	ProviderOpenCode = "opencode"
)

// scanBufSize bounds a single stdout line when parsing JSONL output.
// Agent answers can be long; 4 MB is far beyond anything observed.
const scanBufSize = 4 * 1024 * 1024

// modelAliases maps short model tags to the concrete identifiers each
// provider CLI expects. Unknown tags pass through verbatim so operators
// can always pin an exact model id.
var modelAliases = map[string]map[string]string{
	ProviderClaude: {
		"sonnet": "claude-sonnet-4-5",
		"opus":   "claude-opus-4-1",
		"haiku":  "claude-haiku-4-5",
	},
	ProviderCodex: {
		"gpt5":       "gpt-5",
		"gpt5-codex": "gpt-5-codex",
		"mini":       "gpt-5-mini",
	},
	ProviderOpenCode: {
		"sonnet": "anthropic/claude-sonnet-4-5",
		"gpt5":   "openai/gpt-5",
		"gemini": "google/gemini-2.5-pro",
	},
}

// ResolveModel turns a model tag into the identifier passed to the
// provider CLI. Per-provider overrides from config win over the builtin
// alias table; anything unrecognised is returned unchanged.
func ResolveModel(provider, tag string, overrides map[string]string) string {
	if tag == "" {
		return ""
	}
	if id, ok := overrides[tag]; ok {
		return id
	}
	if id, ok := modelAliases[provider][tag]; ok {
		return id
	}
	return tag
}

// buildArgs assembles the argv tail for one invocation. reset starts a
// fresh session; otherwise the previous session is continued.
func buildArgs(provider, prompt, model string, reset bool) ([]string, error) {
	switch provider {
	case ProviderClaude:
		args := []string{"-p", prompt}
		if !reset {
			args = append(args, "--continue")
		}
		if model != "" {
			args = append(args, "--model", model)
		}
		return args, nil
	case ProviderCodex:
		args := []string{"exec"}
		if !reset {
			args = append(args, "resume", "--last")
		}
		args = append(args, "--json")
		if model != "" {
			args = append(args, "--model", model)
		}
		return append(args, prompt), nil
	case ProviderOpenCode:
		args := []string{"run", prompt}
		if !reset {
			args = append(args, "--continue")
		}
		if model != "" {
			args = append(args, "--model", model)
		}
		return append(args, "--format", "json"), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// parseAnswer extracts the single text answer from a provider's stdout.
func parseAnswer(provider, stdout string) (string, error) {
	switch provider {
	case ProviderClaude:
		answer := strings.TrimSpace(stdout)
		if answer == "" {
			return "", fmt.Errorf("claude: empty response")
		}
		return answer, nil
	case ProviderCodex:
		return codexAnswer(stdout)
	case ProviderOpenCode:
		return opencodeAnswer(stdout)
	default:
		return "", fmt.Errorf("unknown provider %q", provider)
	}
}

// codexAnswer scans codex --json output and returns the text of the last
// completed agent message. Non-JSON lines (progress, warnings) are skipped.
func codexAnswer(stdout string) (string, error) {
	type codexEvent struct {
		Type string `json:"type"`
		Item struct {
			ItemType string `json:"item_type"`
			Text     string `json:"text"`
		} `json:"item"`
	}

	var answer string
	var found bool
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), scanBufSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Type == "item.completed" && ev.Item.ItemType == "agent_message" {
			answer = ev.Item.Text
			found = true
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("codex: read output: %w", err)
	}
	if !found {
		return "", fmt.Errorf("codex: no agent message in output")
	}
	return strings.TrimSpace(answer), nil
}

// opencodeAnswer scans opencode --format json output and returns the text
// of the last text part.
func opencodeAnswer(stdout string) (string, error) {
	type opencodeEvent struct {
		Part struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"part"`
	}

	var answer string
	var found bool
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), scanBufSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var ev opencodeEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Part.Type == "text" && ev.Part.Text != "" {
			answer = ev.Part.Text
			found = true
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("opencode: read output: %w", err)
	}
	if !found {
		return "", fmt.Errorf("opencode: no text part in output")
	}
	return strings.TrimSpace(answer), nil
}
