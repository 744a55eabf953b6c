package broker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Local is an in-process Broker for single instance deployments.
type Local struct {
	log zerolog.Logger

	mu     sync.RWMutex
	subs   map[string][]chan *Event
	closed bool
}

func NewLocal(logger zerolog.Logger) *Local {
	return &Local{
		log:  logger,
		subs: make(map[string][]chan *Event),
	}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (l *Local) Publish(_ context.Context, channel string, ev *Event) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}

	for _, ch := range l.subs[channel] {
		select {
		case ch <- ev:
		default:
			l.log.Warn().Str("channel", channel).Str("event", ev.Event).Msg("subscriber buffer full, dropping event")
		}
	}

	return nil
}

func (l *Local) Subscribe(_ context.Context, channel string) (<-chan *Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	ch := make(chan *Event, subscriptionBuffer)
	l.subs[channel] = append(l.subs[channel], ch)

	return ch, nil
}

// Unsubscribe closes every subscription on channel.
func (l *Local) Unsubscribe(_ context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ch := range l.subs[channel] {
		close(ch)
	}
	delete(l.subs, channel)

	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	for channel, chans := range l.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(l.subs, channel)
	}

	return nil
}
