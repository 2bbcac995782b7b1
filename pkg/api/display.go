package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/slotem-chrono/pkg/engine"
	"github.com/psantana5/slotem-chrono/pkg/logging"
	"github.com/psantana5/slotem-chrono/pkg/models"
)

// DisplayConfig wires a DisplayHandler.
type DisplayConfig struct {
	Engine *engine.Engine
	Hub    *Hub
	Logger *logging.Logger
	// Connected reports whether the signal channel is up. Optional.
	Connected func() bool
}

// DisplayHandler serves the engine's state to viewers.
type DisplayHandler struct {
	engine    *engine.Engine
	hub       *Hub
	logger    *logging.Logger
	connected func() bool
}

// NewDisplayHandler creates a display handler. New websocket viewers get the
// current snapshot immediately.
func NewDisplayHandler(cfg DisplayConfig) *DisplayHandler {
	h := &DisplayHandler{
		engine:    cfg.Engine,
		hub:       cfg.Hub,
		logger:    cfg.Logger,
		connected: cfg.Connected,
	}
	if h.logger == nil {
		h.logger = logging.Nop()
	}
	if h.hub == nil {
		h.hub = NewHub("display", h.logger, nil)
	}
	h.hub.OnJoin(func() []byte {
		return h.encodeSnapshot(h.engine.Now())
	})
	return h
}

// Hub returns the viewer hub.
func (h *DisplayHandler) Hub() *Hub {
	return h.hub
}

// RegisterRoutes registers all display routes
func (h *DisplayHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/snapshot", h.GetSnapshot).Methods("GET")
	r.HandleFunc("/history", h.GetHistory).Methods("GET")
	r.Handle("/ws", h.hub).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// Publish pushes a snapshot to every websocket viewer.
func (h *DisplayHandler) Publish(s models.Snapshot) int {
	msg := h.encodeSnapshot(s)
	if msg == nil {
		return 0
	}
	return h.hub.Broadcast(msg)
}

func (h *DisplayHandler) encodeSnapshot(s models.Snapshot) []byte {
	msg, err := json.Marshal(NewSnapshotView(s))
	if err != nil {
		h.logger.Error("Failed to encode snapshot", logging.Fields{"error": err.Error()})
		return nil
	}
	return msg
}

// GetSnapshot handles GET /snapshot
func (h *DisplayHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(NewSnapshotView(h.engine.Now()))
}

// GetHistory handles GET /history
func (h *DisplayHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	views := NewHistoryViews(h.engine.SnapshotHistory())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HistoryResponse{Entries: views, Count: len(views)})
}

// Health returns the display status, including the signal channel state.
func (h *DisplayHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "healthy",
		"viewers": h.hub.Len(),
		"history": h.engine.HistoryLen(),
	}
	if h.connected != nil {
		resp["signal_connected"] = h.connected()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
