// Package v1 defines the Courier messaging wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients so the wire format stays independent
// of the internal Message/Conversation representations.
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
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationJoin subscribes the session to a conversation room
	// (client -> server) and is echoed back on success.
	TypeConversationJoin = "conversation_join"
	// TypeConversationLeave unsubscribes the session from a conversation room.
	TypeConversationLeave = "conversation_leave"

	// TypeMessageReceived broadcasts a newly persisted message
	// (server -> conversation room members).
	TypeMessageReceived = "message_received"
	// TypeMessagesRead broadcasts a read-receipt for one or more messages
	// (server -> conversation room members).
	TypeMessagesRead = "messages_read"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
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
		TypeConversationJoin,
		TypeConversationLeave,
		TypeMessageReceived,
		TypeMessagesRead,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}
