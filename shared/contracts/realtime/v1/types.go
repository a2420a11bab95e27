// Package v1 defines the Ember Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a connection handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the connection handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomJoin joins a room (client -> server) and is echoed back.
	TypeRoomJoin = "room_join"

	// TypeMessageSend requests relaying a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew fans out a relayed message (server -> room members).
	TypeMessageNew = "message_new"

	// TypeReauthenticate tells the client its credentials are no longer valid
	// and a fresh login is required. It is always followed by a close frame;
	// a silent drop is indistinguishable from a network blip, so the server
	// must send this envelope before terminating a revoked connection.
	TypeReauthenticate = "auth_reauthenticate"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeRoomJoin,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeReauthenticate,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a connection.
type HelloPayload struct{}

// HelloAckPayload carries the authenticated session identifier back to the client.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// RoomJoinPayload requests membership in a room.
type RoomJoinPayload struct {
	RoomID string `json:"room_id"`
}

// MessageSendPayload requests relaying a message into a room.
type MessageSendPayload struct {
	RoomID      string `json:"room_id"`
	ClientMsgID string `json:"client_msg_id"`
	Text        string `json:"text"`
}

// MessageAckPayload acknowledges a send request and returns the canonical server ids.
type MessageAckPayload struct {
	RoomID      string `json:"room_id"`
	ClientMsgID string `json:"client_msg_id"`
	ServerMsgID string `json:"server_msg_id"`
}

// MessageNewPayload is fanned out when a message is relayed.
type MessageNewPayload struct {
	RoomID      string    `json:"room_id"`
	ClientMsgID string    `json:"client_msg_id"`
	ServerMsgID string    `json:"server_msg_id"`
	Sender      string    `json:"sender"`
	Text        string    `json:"text"`
	ServerTS    time.Time `json:"server_ts"`
}

// ReauthenticatePayload explains why the server is about to terminate the connection.
type ReauthenticatePayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
