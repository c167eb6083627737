package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/crewdhq/crewd/internal/queue"
)

const defaultRecentLimit = 50

// ResponsesHandler serves outbound responses: recent history, the
// per-channel pending feed the adapters poll, proactive sends, and acks.
type ResponsesHandler struct {
	store queue.Store
	token string
}

// NewResponsesHandler creates the responses handler.
func NewResponsesHandler(store queue.Store, token string) *ResponsesHandler {
	return &ResponsesHandler{store: store, token: token}
}

// RegisterRoutes registers the response routes on the given mux.
func (h *ResponsesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/responses", guard(h.token, h.handleRecent))
	mux.HandleFunc("GET /api/responses/pending", guard(h.token, h.handlePending))
	mux.HandleFunc("POST /api/responses", guard(h.token, h.handleCreate))
	mux.HandleFunc("POST /api/responses/{id}/ack", guard(h.token, h.handleAck))
}

func (h *ResponsesHandler) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	resps, err := h.store.RecentResponses(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if resps == nil {
		resps = []queue.Response{}
	}
	writeJSON(w, http.StatusOK, resps)
}

func (h *ResponsesHandler) handlePending(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	resps, err := h.store.PendingResponses(r.Context(), channel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if resps == nil {
		resps = []queue.Response{}
	}
	writeJSON(w, http.StatusOK, resps)
}

// handleCreate enqueues a proactive outbound response, bypassing the
// agent pipeline. Adapters deliver it like any other response.
func (h *ResponsesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel  string   `json:"channel"`
		Sender   string   `json:"sender"`
		SenderID string   `json:"senderId"`
		Text     string   `json:"message"`
		Agent    string   `json:"agent"`
		Files    []string `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Channel == "" || req.Sender == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "channel, sender and message are required")
		return
	}

	messageID := uuid.NewString()
	id, err := h.store.EnqueueResponse(r.Context(), &queue.Response{
		MessageID: messageID,
		Channel:   req.Channel,
		Sender:    req.Sender,
		SenderID:  req.SenderID,
		Text:      req.Text,
		Agent:     req.Agent,
		Files:     req.Files,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "messageId": messageID})
}

func (h *ResponsesHandler) handleAck(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.store.AckResponse(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "response not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
