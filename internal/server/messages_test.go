package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/npezzotti/go-projectchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorEnvelopes(t *testing.T) {
	tcs := []struct {
		name    string
		env     *types.Envelope
		code    int
		message string
	}{
		{"invalid message", ErrInvalidMessage(), http.StatusBadRequest, "invalid message format"},
		{"invalid payload", ErrInvalidPayload(types.EventSendMessage), http.StatusBadRequest, "invalid send-message payload"},
		{"unknown event", ErrUnknownEvent("shout"), http.StatusBadRequest, "unknown event shout"},
		{"not member", ErrNotMember("p1"), http.StatusForbidden, "not a member of project p1"},
		{"internal", ErrInternalError(), http.StatusInternalServerError, "internal server error"},
		{"unavailable", ErrServiceUnavailable(), http.StatusServiceUnavailable, "service unavailable"},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, types.EventError, tc.env.Event)

			var payload types.ErrorPayload
			require.NoError(t, json.Unmarshal(tc.env.Data, &payload))
			assert.Equal(t, tc.code, payload.Code)
			assert.Equal(t, tc.message, payload.Message)
		})
	}
}

func TestClientMessage_AckIsIdempotent(t *testing.T) {
	joined := make(chan struct{})
	msg := &ClientMessage{handled: joined}

	msg.ack()
	msg.ack()

	select {
	case <-joined:
	default:
		t.Fatal("expected joined to be closed")
	}
}
