package realtime

import (
	"log/slog"
	"sync"

	v1 "ember/shared/contracts/realtime/v1"
)

// Room is an in-memory membership + broadcast fanout primitive.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client // keyed by connection id
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.ID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.ID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "room_id", r.ID, "conn_id", client.ID, "session_id", client.SessionID)
}

// Leave removes a client from membership.
func (r *Room) Leave(connID string) {
	if r == nil || connID == "" {
		return
	}

	r.mu.Lock()
	delete(r.members, connID)
	r.mu.Unlock()

	r.log.Info("room.member.leave", "room_id", r.ID, "conn_id", connID)
}

// Broadcast fanouts an envelope to all members.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(env v1.Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
		}
	}
}
