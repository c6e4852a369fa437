package types

import "github.com/google/uuid"

// Wire contracts for the chat session service. Field names are frozen:
// client-facing fan-out uses "type"/"sessionId" while bus payloads use
// "event_type"/"session_id". The asymmetry is load-bearing for existing
// consumers; do not harmonize the keys.

const (
	// MessageTypeChat is the type tag on chat fan-out envelopes.
	MessageTypeChat = "chat_message"

	// EventChatMessageReceived is the egress event type and the subject
	// prefix for per-session publishes.
	EventChatMessageReceived = "chat.message.received"
)

// SubjectsInbound are the bus subjects the ingress bridge consumes.
var SubjectsInbound = []string{"session.created", "session.joined"}

// ChatMessage is an inbound client text frame. Fields beyond content
// are ignored on parse.
type ChatMessage struct {
	Content string `json:"content"`
}

// SenderInfo identifies the author inside a chat fan-out envelope.
type SenderInfo struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// BroadcastMessage is the chat envelope fanned out to session peers.
type BroadcastMessage struct {
	Type    string     `json:"type"`
	Sender  SenderInfo `json:"sender"`
	Content string     `json:"content"`
}

// SystemBroadcast is the envelope fanned out when the ingress bridge
// observes a session-lifecycle event on the bus.
type SystemBroadcast struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"sessionId"`
}

// EventPayload is a session-lifecycle event as delivered on the bus.
type EventPayload struct {
	EventType string    `json:"event_type"`
	SessionID uuid.UUID `json:"session_id"`
}

// ChatMessageReceivedEvent is the egress event published for every
// client chat message, for cross-service consumption.
type ChatMessageReceivedEvent struct {
	EventType string    `json:"event_type"`
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	UserName  string    `json:"user_name"`
	Content   string    `json:"content"`
}
