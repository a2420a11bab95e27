package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory rooms and provides stable room handles.
// It is intentionally minimal: message durability is out of scope, the relay
// only fans out to live members.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreateRoom returns a stable in-memory room handle.
func (h *Hub) GetOrCreateRoom(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		return r
	}

	r := NewRoom(h.log, roomID)
	h.rooms[roomID] = r
	return r
}
