package http

import (
	"net/http"
	"sort"

	"github.com/crewdhq/crewd/internal/config"
)

// AgentsHandler exposes the configured agent and team registry.
// Read-only: agents are managed through the config file, not the API.
type AgentsHandler struct {
	cfg   *config.Config
	token string
}

// NewAgentsHandler creates the agent registry handler.
func NewAgentsHandler(cfg *config.Config, token string) *AgentsHandler {
	return &AgentsHandler{cfg: cfg, token: token}
}

// RegisterRoutes registers the agent routes on the given mux.
func (h *AgentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", guard(h.token, h.handleList))
}

type agentInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

type teamInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Agents      []string `json:"agents"`
	LeaderAgent string   `json:"leaderAgent,omitempty"`
}

func (h *AgentsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	agents := make([]agentInfo, 0, len(h.cfg.Agents))
	for _, id := range h.cfg.SortedAgentIDs() {
		a := h.cfg.Agents[id]
		agents = append(agents, agentInfo{
			ID:       id,
			Name:     a.DisplayName(),
			Provider: a.Provider,
			Model:    a.Model,
		})
	}

	teamIDs := make([]string, 0, len(h.cfg.Teams))
	for id := range h.cfg.Teams {
		teamIDs = append(teamIDs, id)
	}
	sort.Strings(teamIDs)
	teams := make([]teamInfo, 0, len(teamIDs))
	for _, id := range teamIDs {
		t := h.cfg.Teams[id]
		teams = append(teams, teamInfo{
			ID:          id,
			Name:        t.Name,
			Agents:      append([]string(nil), t.Agents...),
			LeaderAgent: t.LeaderAgent,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"defaultAgent": h.cfg.ResolveDefaultAgentID(),
		"agents":       agents,
		"teams":        teams,
	})
}
