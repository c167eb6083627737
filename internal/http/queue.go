package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/crewdhq/crewd/internal/queue"
	"github.com/crewdhq/crewd/internal/team"
)

// QueueHandler serves queue inspection and dead-letter management.
type QueueHandler struct {
	store queue.Store
	convs *team.Tracker
	token string
}

// NewQueueHandler creates the queue inspection handler. convs may be
// nil when no conversation tracker is running.
func NewQueueHandler(store queue.Store, convs *team.Tracker, token string) *QueueHandler {
	return &QueueHandler{store: store, convs: convs, token: token}
}

// RegisterRoutes registers the queue routes on the given mux.
func (h *QueueHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/queue/status", guard(h.token, h.handleStatus))
	mux.HandleFunc("GET /api/queue/dead", guard(h.token, h.handleDead))
	mux.HandleFunc("POST /api/queue/dead/{id}/retry", guard(h.token, h.handleRetry))
	mux.HandleFunc("DELETE /api/queue/dead/{id}", guard(h.token, h.handleDelete))
}

func (h *QueueHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active := 0
	if h.convs != nil {
		active = h.convs.Active()
	}
	writeJSON(w, http.StatusOK, struct {
		queue.StatusCounts
		ActiveConversations int `json:"activeConversations"`
	}{counts, active})
}

func (h *QueueHandler) handleDead(w http.ResponseWriter, r *http.Request) {
	dead, err := h.store.DeadMessages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if dead == nil {
		dead = []queue.Message{}
	}
	writeJSON(w, http.StatusOK, dead)
}

func (h *QueueHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.store.RetryDead(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotDead) {
			writeError(w, http.StatusNotFound, "message is not dead")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("api.dead_retried", "id", id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *QueueHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.store.DeleteDead(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotDead) {
			writeError(w, http.StatusNotFound, "message is not dead")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("api.dead_deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
