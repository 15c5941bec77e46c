package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alumninet/chatwire/internal/wire"
	"github.com/alumninet/chatwire/pkg/logger"
)

// Router builds the HTTP surface: the websocket endpoint plus the REST
// collaborators the client consumes.
func (h *Hub) Router(outBuffer int) http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", h.ServeWS(outBuffer))
	r.Get("/api/online_status", h.handleOnlineStatus)
	r.Route("/api/channels/{channelID}/messages", func(r chi.Router) {
		r.Get("/", h.handleGetMessages)
		r.Post("/", h.handlePostMessage)
	})
	return r
}

func (h *Hub) handleOnlineStatus(w http.ResponseWriter, r *http.Request) {
	ids := h.OnlineIDs(r.Context())
	writeJSON(w, map[string]any{"online_users": ids})
}

func (h *Hub) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if h.store == nil {
		writeJSON(w, map[string]any{"messages": []any{}})
		return
	}
	msgs, err := h.store.ChannelMessages(r.Context(), channelID, 50)
	if err != nil {
		logger.L().Sugar().Errorw("history_load_failed", "channel", channelID, "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	type item struct {
		Content   string `json:"content"`
		Username  string `json:"username"`
		PfpPath   string `json:"pfp_path"`
		CreatedAt string `json:"created_at"`
	}
	items := make([]item, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, item{
			Content:   m.Content,
			Username:  m.Username,
			PfpPath:   m.PfpPath,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, map[string]any{"messages": items})
}

// handlePostMessage persists a message and broadcasts the matching
// new_message envelope to the channel's live subscribers.
func (h *Hub) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	var body struct {
		Content     string `json:"content"`
		MessageType string `json:"message_type"`
		UserID      string `json:"user_id"`
		Username    string `json:"username"`
		PfpPath     string `json:"pfp_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		http.Error(w, "content required", http.StatusBadRequest)
		return
	}
	if body.MessageType == "" {
		body.MessageType = "text"
	}

	env := &wire.Envelope{
		Type:        wire.TypeSendMessage,
		UserID:      wire.ID(body.UserID),
		Username:    body.Username,
		PfpPath:     body.PfpPath,
		ChannelID:   wire.ID(channelID),
		Content:     body.Content,
		MessageType: body.MessageType,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	select {
	case h.inbound <- inboundFrame{env: env}:
	case <-r.Context().Done():
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L().Sugar().Warnw("write_json_failed", "err", err)
	}
}
