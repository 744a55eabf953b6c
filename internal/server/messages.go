package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/go-projectchat/internal/types"
)

// ClientMessage is a decoded frame from a client, routed to the chat
// server or to one of its rooms.
type ClientMessage struct {
	Event     string
	ProjectId string
	Timestamp time.Time

	Message *types.OutgoingMessage
	Update  *types.ProjectUpdate
	Typing  *types.TypingSignal

	client *Client
	// handled is closed once a join or leave has been applied, successfully or not
	handled chan struct{}
}

func (m *ClientMessage) ack() {
	if m.handled != nil {
		close(m.handled)
		m.handled = nil
	}
}

func errorEnvelope(code int, message string) *types.Envelope {
	data, _ := json.Marshal(types.ErrorPayload{Code: code, Message: message})
	return &types.Envelope{Event: types.EventError, Data: data}
}

func ErrInvalidMessage() *types.Envelope {
	return errorEnvelope(http.StatusBadRequest, "invalid message format")
}

func ErrInvalidPayload(event string) *types.Envelope {
	return errorEnvelope(http.StatusBadRequest, "invalid "+event+" payload")
}

func ErrUnknownEvent(event string) *types.Envelope {
	return errorEnvelope(http.StatusBadRequest, "unknown event "+event)
}

func ErrNotMember(projectId string) *types.Envelope {
	return errorEnvelope(http.StatusForbidden, "not a member of project "+projectId)
}

func ErrInternalError() *types.Envelope {
	return errorEnvelope(http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable() *types.Envelope {
	return errorEnvelope(http.StatusServiceUnavailable, "service unavailable")
}
