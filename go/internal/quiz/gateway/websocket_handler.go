package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// RoomSource reports the active room.
type RoomSource interface {
	Room() string
}

// WebSocketHandler handles WebSocket upgrade requests from screens
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	rooms             RoomSource
}

func NewWebSocketHandler(cm *ConnectionManager, rooms RoomSource) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		rooms:             rooms,
	}
}

// HandleRoomConnection handles GET /ws/room?screen=<display|manage|judge|control>.
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	screen, ok := ParseScreen(r.URL.Query().Get("screen"))
	if !ok {
		http.Error(w, "unknown screen", http.StatusBadRequest)
		return
	}

	room := h.rooms.Room()
	if err := h.connectionManager.UpgradeConnection(w, r, screen, NewRoomNotice(room)); err != nil {
		// The upgrader has already replied to the client.
		log.Error().
			Err(err).
			Str("screen", string(screen)).
			Str("room", room).
			Msg("failed to upgrade WebSocket connection")
		return
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/room", h.HandleRoomConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
