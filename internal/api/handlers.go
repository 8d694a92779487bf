package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"kis-daytrader/internal/config"
)

// The server binds to localhost only, so any origin is fine.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handlers carries the HTTP handler dependencies.
type Handlers struct {
	provider StateProvider
	cfg      *config.Config
	hub      *Hub
	logger   *slog.Logger
}

func NewHandlers(provider StateProvider, cfg *config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth answers liveness probes.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"healthy": h.provider.GatewayStatus().Healthy,
	})
}

// HandleSnapshot serves the full trading state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := BuildSnapshot(h.provider, h.cfg)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		h.logger.Error("snapshot encode failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleStream upgrades to WebSocket and seeds the client with a full
// snapshot before live events start flowing.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h.hub, conn)

	seed := newEvent("snapshot", "", BuildSnapshot(h.provider, h.cfg))
	data, err := json.Marshal(seed)
	if err != nil {
		h.logger.Error("initial snapshot marshal failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("initial snapshot dropped, client send queue full")
	}
}
