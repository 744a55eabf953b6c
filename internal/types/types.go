package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Gateway event names.
const (
	EventJoinProject    = "join-project"
	EventLeaveProject   = "leave-project"
	EventSendMessage    = "send-message"
	EventProjectUpdate  = "project-update"
	EventTypingStart    = "typing-start"
	EventTypingStop     = "typing-stop"
	EventReceiveMessage = "receive-message"
	EventProjectUpdated = "project-updated"
	EventUserTyping     = "user-typing"
	EventError          = "error"

	// raised locally by the client connection, never sent on the wire
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

type MessageType string

const (
	MessageTypeText           MessageType = "text"
	MessageTypeStatusUpdate   MessageType = "status-update"
	MessageTypePriorityUpdate MessageType = "priority-update"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeStatusUpdate, MessageTypePriorityUpdate:
		return true
	}
	return false
}

type UpdateType string

const (
	UpdateTypeStatus   UpdateType = "status"
	UpdateTypePriority UpdateType = "priority"
)

// ChatMessage is the normalized form of a message, whatever its origin.
// SentAt is the effective timestamp used for ordering.
type ChatMessage struct {
	Id          string      `json:"id"`
	ProjectId   string      `json:"projectId"`
	Sender      string      `json:"sender"`
	Message     string      `json:"message"`
	MessageType MessageType `json:"messageType"`
	SentAt      time.Time   `json:"sentAt"`
}

// WireMessage is a message as it crosses the wire. Live events carry
// timestamp, persisted records carry created_at.
type WireMessage struct {
	Id          string      `json:"id"`
	ProjectId   string      `json:"projectId"`
	Sender      string      `json:"sender"`
	Message     string      `json:"message"`
	MessageType MessageType `json:"messageType,omitempty"`
	Timestamp   *time.Time  `json:"timestamp,omitempty"`
	CreatedAt   *time.Time  `json:"created_at,omitempty"`
}

// Normalize collapses the two possible time fields into SentAt,
// preferring created_at.
func (w WireMessage) Normalize() ChatMessage {
	msg := ChatMessage{
		Id:          w.Id,
		ProjectId:   w.ProjectId,
		Sender:      w.Sender,
		Message:     w.Message,
		MessageType: w.MessageType,
	}
	if msg.MessageType == "" {
		msg.MessageType = MessageTypeText
	}

	switch {
	case w.CreatedAt != nil && !w.CreatedAt.IsZero():
		msg.SentAt = *w.CreatedAt
	case w.Timestamp != nil:
		msg.SentAt = *w.Timestamp
	}

	return msg
}

// Envelope wraps every frame exchanged with the gateway.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, data any) (*Envelope, error) {
	env := &Envelope{Event: event}
	if data == nil {
		return env, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Data = raw

	return env, nil
}

// OutgoingMessage is the send-message payload.
type OutgoingMessage struct {
	ProjectId   string      `json:"projectId" validate:"required"`
	Message     string      `json:"message" validate:"required"`
	Sender      string      `json:"sender"`
	Timestamp   time.Time   `json:"timestamp"`
	MessageType MessageType `json:"messageType" validate:"omitempty,oneof=text status-update priority-update"`
}

type ProjectUpdate struct {
	ProjectId  string     `json:"projectId" validate:"required"`
	UpdateType UpdateType `json:"updateType" validate:"required,oneof=status priority"`
	OldValue   string     `json:"oldValue"`
	NewValue   string     `json:"newValue"`
	UpdatedBy  string     `json:"updatedBy"`
}

// TypingSignal is sent by a client on typing-start and typing-stop.
type TypingSignal struct {
	ProjectId string `json:"projectId" validate:"required"`
	UserName  string `json:"userName" validate:"required"`
}

// UserTyping is fanned out to the other members of a room.
type UserTyping struct {
	ProjectId string `json:"projectId,omitempty"`
	UserName  string `json:"userName"`
	Typing    bool   `json:"typing"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HistoryResponse is the body of GET /api/messages.
type HistoryResponse struct {
	Messages []WireMessage `json:"messages"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
