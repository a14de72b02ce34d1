package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcdev12/spellingbee/go/internal/quiz/roomsync"
	"github.com/mcdev12/spellingbee/go/internal/quiz/timer"
	"github.com/rs/zerolog/log"
)

// StateProvider is what the REST routes read and drive.
type StateProvider interface {
	Room() string
	SetRoom(room string) error
	Timer() timer.Snapshot
	Stats() Stats
}

// Stats is the body of GET /api/stats.
type Stats struct {
	Sync        roomsync.Stats  `json:"sync"`
	Connections ConnectionStats `json:"connections"`
	Timer       timer.Snapshot  `json:"timer"`
}

type roomBody struct {
	Room string `json:"room"`
}

// StateHandler handles HTTP requests for room state
type StateHandler struct {
	provider StateProvider
}

func NewStateHandler(provider StateProvider) *StateHandler {
	return &StateHandler{provider: provider}
}

// HandleRoom handles GET and POST /api/room.
func (h *StateHandler) HandleRoom(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, roomBody{Room: h.provider.Room()})

	case http.MethodPost:
		var body roomBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := h.provider.SetRoom(body.Room); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, roomsync.ErrEmptyRoom) {
				status = http.StatusBadRequest
			}
			log.Error().Err(err).Str("room", body.Room).Msg("failed to set room")
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusOK, roomBody{Room: h.provider.Room()})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleTimer handles GET /api/room/timer, used by screens for their first paint.
func (h *StateHandler) HandleTimer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.provider.Timer())
}

// HandleStats handles GET /api/stats
func (h *StateHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.provider.Stats())
}

func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/room", h.HandleRoom)
	mux.HandleFunc("/api/room/timer", h.HandleTimer)
	mux.HandleFunc("/api/stats", h.HandleStats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
