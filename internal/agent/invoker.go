// Package agent shells out to provider CLIs (claude, codex, opencode) and
// returns a single text answer per invocation. Session state lives with
// the provider; crewd only decides between continuing and resetting.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/crewdhq/crewd/internal/config"
)

var tracer = otel.Tracer("crewd/agent")

// Invoker runs provider CLIs as subprocesses.
type Invoker struct {
	cfg *config.Config
}

func NewInvoker(cfg *config.Config) *Invoker {
	return &Invoker{cfg: cfg}
}

// Invoke executes the agent's provider CLI with the given prompt and
// returns the text answer. reset starts a fresh session (and prepends the
// agent's system prompt, if any); otherwise the previous session is
// continued. The subprocess is killed when the invocation timeout elapses.
func (inv *Invoker) Invoke(ctx context.Context, ag *config.AgentConfig, prompt string, reset bool) (string, error) {
	dir, err := EnsureWorkDir(inv.cfg, ag)
	if err != nil {
		return "", err
	}

	if reset {
		if sys := inv.systemPrompt(ag); sys != "" {
			prompt = sys + "\n\n" + prompt
		}
	}

	pc := inv.cfg.ProviderFor(ag.Provider)
	model := ResolveModel(ag.Provider, ag.Model, pc.Models)
	args, err := buildArgs(ag.Provider, prompt, model, reset)
	if err != nil {
		return "", err
	}
	binary := pc.Binary
	if binary == "" {
		binary = ag.Provider
	}

	timeout := inv.cfg.InvokeTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "agent.invoke", trace.WithAttributes(
		attribute.String("crewd.agent", ag.ID),
		attribute.String("crewd.provider", ag.Provider),
		attribute.String("crewd.model", model),
		attribute.Bool("crewd.reset", reset),
	))
	defer span.End()

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Round(time.Millisecond)

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%s timed out after %s", ag.Provider, timeout)
		} else {
			err = runError(ag.Provider, runErr, stderr.String())
		}
		span.RecordError(err)
		slog.Error("agent.invoke_failed", "agent", ag.ID, "provider", ag.Provider, "duration", elapsed, "error", err)
		return "", err
	}

	answer, err := parseAnswer(ag.Provider, stdout.String())
	if err != nil {
		span.RecordError(err)
		slog.Error("agent.invoke_failed", "agent", ag.ID, "provider", ag.Provider, "duration", elapsed, "error", err)
		return "", err
	}

	span.SetAttributes(attribute.Int("crewd.answer_chars", len(answer)))
	slog.Debug("agent.invoked", "agent", ag.ID, "provider", ag.Provider, "duration", elapsed, "chars", len(answer))
	return answer, nil
}

// systemPrompt returns the agent's system prompt, preferring the inline
// value over a prompt file. Relative file paths resolve against the
// workspace root.
func (inv *Invoker) systemPrompt(ag *config.AgentConfig) string {
	if ag.SystemPrompt != "" {
		return strings.TrimSpace(ag.SystemPrompt)
	}
	if ag.PromptFile == "" {
		return ""
	}
	path := config.ExpandHome(ag.PromptFile)
	if !filepath.IsAbs(path) {
		path = filepath.Join(inv.cfg.WorkspacePath(), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("agent.prompt_file_unreadable", "agent", ag.ID, "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// runError converts a subprocess failure into the message surfaced to the
// queue: trimmed stderr when present, otherwise the exit code.
func runError(provider string, runErr error, stderr string) error {
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if msg := strings.TrimSpace(stderr); msg != "" {
			return fmt.Errorf("%s: %s", provider, msg)
		}
		return fmt.Errorf("%s: exit code %d", provider, exitErr.ExitCode())
	}
	return fmt.Errorf("%s: %w", provider, runErr)
}
