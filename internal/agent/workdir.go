package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/crewdhq/crewd/internal/config"
)

// ResetSentinel is the marker file dropped into an agent's working
// directory to request a fresh provider session. It is consumed (removed)
// when the next message for that agent is processed.
const ResetSentinel = ".crewd-reset"

// WorkDir resolves the directory an agent's subprocess runs in. An
// absolute working_directory is used as-is, a relative one is joined to
// the workspace root, and an empty one defaults to <workspace>/<agent id>.
func WorkDir(cfg *config.Config, ag *config.AgentConfig) string {
	dir := config.ExpandHome(ag.WorkingDir)
	switch {
	case dir == "":
		return filepath.Join(cfg.WorkspacePath(), sanitizeID(ag.ID))
	case filepath.IsAbs(dir):
		return dir
	default:
		return filepath.Join(cfg.WorkspacePath(), dir)
	}
}

// EnsureWorkDir resolves the agent's working directory and creates it if
// missing. First-time creation is logged so operators can see new agents
// come online.
func EnsureWorkDir(cfg *config.Config, ag *config.AgentConfig) (string, error) {
	dir := WorkDir(cfg, ag)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create working directory %s: %w", dir, err)
	}
	slog.Info("agent.workdir_created", "agent", ag.ID, "dir", dir)
	return dir, nil
}

// ConsumeReset reports whether the reset sentinel is present in dir and
// removes it, so a reset applies to exactly one invocation.
func ConsumeReset(dir string) bool {
	return os.Remove(filepath.Join(dir, ResetSentinel)) == nil
}

// sanitizeID makes an agent id safe to use as a directory name.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "agent"
	}
	return b.String()
}
