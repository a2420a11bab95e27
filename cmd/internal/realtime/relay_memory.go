package realtime

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// Dedupe entries only need to outlive a client's retry horizon.
	relayDedupeTTL   = 5 * time.Minute
	relayDedupeSweep = time.Minute
)

// InMemoryRelay is the single-process Relay: it mints server message ids and
// remembers recent (room_id, client_msg_id) pairs for retry dedupe.
type InMemoryRelay struct {
	seen *gocache.Cache
}

// NewInMemoryRelay constructs an empty relay.
func NewInMemoryRelay() *InMemoryRelay {
	return &InMemoryRelay{
		seen: gocache.New(relayDedupeTTL, relayDedupeSweep),
	}
}

func (r *InMemoryRelay) Relay(_ context.Context, in RelayInput) (RelayResult, error) {
	if in.RoomID == "" || in.ClientMsgID == "" {
		return RelayResult{}, errors.New("relay: missing room_id or client_msg_id")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	key := in.RoomID + "\x00" + in.ClientMsgID
	if v, ok := r.seen.Get(key); ok {
		return RelayResult{Message: v.(RelayedMessage), Duplicated: true}, nil
	}

	serverMsgID, err := NewServerMsgID(now)
	if err != nil {
		return RelayResult{}, err
	}

	msg := RelayedMessage{
		RoomID:       in.RoomID,
		ClientMsgID:  in.ClientMsgID,
		ServerMsgID:  serverMsgID,
		SenderUserID: in.SenderUserID,
		Text:         in.Text,
		ServerTS:     now,
	}
	// Add (not Set) keeps the first writer's message when two retries race.
	if err := r.seen.Add(key, msg, relayDedupeTTL); err != nil {
		if v, ok := r.seen.Get(key); ok {
			return RelayResult{Message: v.(RelayedMessage), Duplicated: true}, nil
		}
	}

	return RelayResult{Message: msg}, nil
}
