package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const subscriptionBuffer = 256

var ErrClosed = errors.New("broker closed")

// Event is one room broadcast. Skip names the connection that caused it;
// that connection does not get its own event back.
type Event struct {
	ProjectId string          `json:"project_id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Skip      string          `json:"skip,omitempty"`
	// Origin identifies the gateway instance that published the event.
	Origin string `json:"origin,omitempty"`
}

func NewEvent(projectId, event string, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	return &Event{
		ProjectId: projectId,
		Event:     event,
		Data:      raw,
	}, nil
}

// Broker fans room events out to every gateway instance that has the
// room loaded.
type Broker interface {
	Publish(ctx context.Context, channel string, ev *Event) error
	Subscribe(ctx context.Context, channel string) (<-chan *Event, error)
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}

func Channel(projectId string) string {
	return fmt.Sprintf("project:%s", projectId)
}
