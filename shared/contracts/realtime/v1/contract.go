// Package v1 defines the Relay live-event protocol v1 contract.
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

// Subprotocol is the websocket subprotocol clients must negotiate.
const Subprotocol = "relay.live.v1"

// Type constants (wire-stable).
const (
	// TypePrivateMessage relays a direct message (client -> server -> receiver).
	TypePrivateMessage = "private-message"
	// TypeTypingStatus relays a typing indicator (client -> server -> receiver).
	TypeTypingStatus = "typing-status"
	// TypeNotification relays a client notification or carries a server notification.
	TypeNotification = "notification"

	// TypeUserStatus is the presence broadcast (server -> all connections).
	TypeUserStatus = "user-status"
	// TypeConnectionSecure acknowledges a successful handshake (server -> new connection).
	TypeConnectionSecure = "connection-secure"

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
	case TypePrivateMessage,
		TypeTypingStatus,
		TypeNotification,
		TypeUserStatus,
		TypeConnectionSecure,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// IsInbound reports whether clients may send envelopes of type t.
func IsInbound(t string) bool {
	switch t {
	case TypePrivateMessage, TypeTypingStatus, TypeNotification:
		return true
	default:
		return false
	}
}
