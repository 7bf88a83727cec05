package broker

import (
	"encoding/json"
	"time"
)

// Event types pushed to clients.
const (
	EventConnectionEstablished = "connection_established"
	EventUserJoined            = "user_joined"
	EventUserLeft              = "user_left"
	EventNewMessage            = "new_message"
	EventMessageEdited         = "message_edited"
	EventMessageDeleted        = "message_deleted"
	EventTyping                = "typing"
	EventAIThinking            = "ai_thinking"
	EventPing                  = "ping"
	EventError                 = "error"
)

// Frame types accepted from clients.
const (
	FrameTyping  = "typing"
	FrameMessage = "message"
	FrameLeave   = "leave"
	FramePong    = "pong"
)

// Event is the envelope pushed to clients. It is constructed, serialized
// and discarded; nothing stores it.
type Event struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func NewEvent(eventType, roomID, userID string, data any) *Event {
	return &Event{
		Type:      eventType,
		RoomID:    roomID,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Frame is an inbound client message. Data is decoded later by the
// handler for the frame type.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TypingSignal is the payload of a typing frame.
type TypingSignal struct {
	Typing bool `json:"typing"`
}

// Member identifies one online user in a room.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// EstablishedPayload is sent to a connection right after admission.
type EstablishedPayload struct {
	ConnectionID string   `json:"connectionId"`
	Members      []Member `json:"members"`
}

// TypingPayload carries the full typing-user snapshot for a room.
type TypingPayload struct {
	Users []Member `json:"users"`
}

// ErrorPayload is sent on the error event.
type ErrorPayload struct {
	Error string `json:"error"`
}
