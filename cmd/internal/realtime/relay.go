package realtime

import (
	"context"
	"time"
)

// RelayedMessage is the canonical relayed message representation.
type RelayedMessage struct {
	RoomID       string
	ClientMsgID  string
	ServerMsgID  string
	SenderUserID string
	Text         string
	ServerTS     time.Time
}

// RelayInput describes a relay request.
type RelayInput struct {
	RoomID       string
	ClientMsgID  string
	SenderUserID string
	Text         string
	Now          time.Time
}

// RelayResult is the relay outcome. Duplicated is set when the same
// (room_id, client_msg_id) was already relayed; the original message is
// returned so retries get a stable server_msg_id.
type RelayResult struct {
	Message    RelayedMessage
	Duplicated bool
}

// Relay assigns server identifiers and deduplicates client retries.
//
// Durability is explicitly NOT part of the contract: messages exist only to
// be fanned out to live members. Implementations backed by a broker or a
// store plug in behind this interface.
type Relay interface {
	Relay(ctx context.Context, in RelayInput) (RelayResult, error)
}
