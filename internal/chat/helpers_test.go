package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/npezzotti/go-projectchat/internal/types"
	"github.com/stretchr/testify/require"
)

type emittedEvent struct {
	event string
	data  any
}

// fakeSocket records emitted events and lets tests inject inbound ones.
type fakeSocket struct {
	mu        sync.Mutex
	connected bool
	emitted   []emittedEvent
	events    map[string]*listenerSet[json.RawMessage]
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		connected: true,
		events:    make(map[string]*listenerSet[json.RawMessage]),
	}
}

func (s *fakeSocket) Emit(event string, data any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return false
	}
	s.emitted = append(s.emitted, emittedEvent{event: event, data: data})
	return true
}

func (s *fakeSocket) On(event string, l *Listener[json.RawMessage]) {
	s.mu.Lock()
	set, ok := s.events[event]
	if !ok {
		set = &listenerSet[json.RawMessage]{}
		s.events[event] = set
	}
	s.mu.Unlock()
	set.add(l)
}

func (s *fakeSocket) Off(event string, l *Listener[json.RawMessage]) {
	s.mu.Lock()
	set, ok := s.events[event]
	s.mu.Unlock()
	if ok {
		set.remove(l)
	}
}

func (s *fakeSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSocket) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *fakeSocket) listeners(event string) int {
	s.mu.Lock()
	set, ok := s.events[event]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return set.len()
}

func (s *fakeSocket) deliver(t *testing.T, event string, payload any) {
	t.Helper()

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}

	s.mu.Lock()
	set, ok := s.events[event]
	s.mu.Unlock()
	if ok {
		set.emit(raw)
	}
}

func (s *fakeSocket) sent() []emittedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]emittedEvent, len(s.emitted))
	copy(out, s.emitted)
	return out
}

func (s *fakeSocket) sentNames() []string {
	var names []string
	for _, e := range s.sent() {
		names = append(names, e.event)
	}
	return names
}

func (s *fakeSocket) reset() {
	s.mu.Lock()
	s.emitted = nil
	s.mu.Unlock()
}

// fakeHistory blocks Fetch until release is called.
type fakeHistory struct {
	release chan struct{}
	msgs    []types.ChatMessage
	err     error

	mu    sync.Mutex
	calls []historyCall
}

type historyCall struct {
	projectId     string
	limit, offset int
}

func newFakeHistory(msgs []types.ChatMessage, err error) *fakeHistory {
	return &fakeHistory{release: make(chan struct{}), msgs: msgs, err: err}
}

func (h *fakeHistory) Fetch(ctx context.Context, projectId string, limit, offset int) ([]types.ChatMessage, error) {
	h.mu.Lock()
	h.calls = append(h.calls, historyCall{projectId: projectId, limit: limit, offset: offset})
	h.mu.Unlock()

	select {
	case <-h.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return h.msgs, h.err
}

func (h *fakeHistory) resolve() {
	close(h.release)
}

func (h *fakeHistory) recorded() []historyCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]historyCall, len(h.calls))
	copy(out, h.calls)
	return out
}

func messageIds(msgs []types.ChatMessage) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.Id)
	}
	return ids
}
