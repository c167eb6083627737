package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/crewdhq/crewd/internal/bus"
	"github.com/crewdhq/crewd/internal/queue"
)

// MessagesHandler ingests inbound messages over HTTP. This is the
// programmatic twin of the chat adapters: anything that can POST JSON
// can feed the queue.
type MessagesHandler struct {
	store queue.Store
	bus   bus.Publisher
	token string
}

// NewMessagesHandler creates the message ingestion handler.
func NewMessagesHandler(store queue.Store, pub bus.Publisher, token string) *MessagesHandler {
	return &MessagesHandler{store: store, bus: pub, token: token}
}

// RegisterRoutes registers the message routes on the given mux.
func (h *MessagesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/messages", guard(h.token, h.handleCreate))
}

func (h *MessagesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel   string   `json:"channel"`
		Sender    string   `json:"sender"`
		SenderID  string   `json:"senderId"`
		Text      string   `json:"message"`
		MessageID string   `json:"messageId"`
		Agent     string   `json:"agent"`
		Files     []string `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Channel == "" || req.Sender == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "channel, sender and message are required")
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	h.emit(bus.EventMessageReceived, map[string]any{
		"channel":    req.Channel,
		"sender":     req.Sender,
		"message_id": req.MessageID,
	})

	msg, err := h.store.Enqueue(r.Context(), &queue.Message{
		MessageID:   req.MessageID,
		Channel:     req.Channel,
		Sender:      req.Sender,
		SenderID:    req.SenderID,
		Text:        req.Text,
		TargetAgent: req.Agent,
		Files:       req.Files,
	})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateID) {
			writeError(w, http.StatusConflict, "message id already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.emit(bus.EventMessageEnqueued, map[string]any{
		"channel":    msg.Channel,
		"sender":     msg.Sender,
		"message_id": msg.MessageID,
		"agent":      msg.TargetAgent,
	})
	slog.Info("api.message_enqueued",
		"channel", msg.Channel, "sender", msg.Sender, "message_id", msg.MessageID)

	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessagesHandler) emit(name string, payload map[string]any) {
	if h.bus != nil {
		h.bus.Emit(name, payload)
	}
}
