package chat

import "sync"

// Listener wraps a callback so it can be registered and later removed by
// identity. Registering the same *Listener twice has no effect.
type Listener[T any] struct {
	fn func(T)
}

func NewListener[T any](fn func(T)) *Listener[T] {
	return &Listener[T]{fn: fn}
}

type listenerSet[T any] struct {
	mu        sync.RWMutex
	listeners []*Listener[T]
}

func (s *listenerSet[T]) add(l *Listener[T]) {
	if l == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *listenerSet[T]) remove(l *Listener[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *listenerSet[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// emit calls every listener in registration order. The set is copied first
// so a listener may unregister itself.
func (s *listenerSet[T]) emit(v T) {
	s.mu.RLock()
	snapshot := make([]*Listener[T], len(s.listeners))
	copy(snapshot, s.listeners)
	s.mu.RUnlock()

	for _, l := range snapshot {
		l.fn(v)
	}
}
