// Package protocol defines the wire types shared by the crewnet manager:
// IRC message entries and tags, WebSocket frames, and the JSON envelope used
// for agent control messages over NATS.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of control message.
type MessageType string

const TypeSystemCommand MessageType = "system_command"

// Message is the envelope for all NATS control messages.
type Message struct {
	MessageID string          `json:"message_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// SystemCommandPayload carries an opaque control command for an agent,
// e.g. "nudge <text>".
type SystemCommandPayload struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}
