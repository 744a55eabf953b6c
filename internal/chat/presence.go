package chat

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/npezzotti/go-projectchat/internal/types"
)

// DefaultTypingExpiry bounds how long a remote typing indicator survives
// without a matching stop event.
const DefaultTypingExpiry = 5 * time.Second

// TypingState is the set of names currently typing in one room.
type TypingState struct {
	clock  clock.Clock
	expiry time.Duration

	mu     sync.Mutex
	typers map[string]*typer
	// onChange is called with the sorted names after every change
	onChange func([]string)
}

type typer struct {
	timer *clock.Timer
	gen   uint64
}

func NewTypingState(clk clock.Clock, expiry time.Duration, onChange func([]string)) *TypingState {
	if clk == nil {
		clk = clock.New()
	}
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}

	return &TypingState{
		clock:    clk,
		expiry:   expiry,
		typers:   make(map[string]*typer),
		onChange: onChange,
	}
}

func (s *TypingState) Apply(ev types.UserTyping) {
	if ev.UserName == "" {
		return
	}

	if ev.Typing {
		s.add(ev.UserName)
	} else {
		s.remove(ev.UserName, 0)
	}
}

func (s *TypingState) add(name string) {
	s.mu.Lock()

	tp, existed := s.typers[name]
	if !existed {
		tp = &typer{}
		s.typers[name] = tp
	}
	if tp.timer != nil {
		tp.timer.Stop()
	}
	tp.gen++
	gen := tp.gen
	tp.timer = s.clock.AfterFunc(s.expiry, func() { s.remove(name, gen) })

	names := s.namesLocked()
	s.mu.Unlock()

	if !existed {
		s.notify(names)
	}
}

// remove drops name. A non-zero gen only removes the entry armed with
// that generation, so an expiry racing a refresh is ignored.
func (s *TypingState) remove(name string, gen uint64) {
	s.mu.Lock()

	tp, ok := s.typers[name]
	if !ok || (gen != 0 && tp.gen != gen) {
		s.mu.Unlock()
		return
	}
	if tp.timer != nil {
		tp.timer.Stop()
	}
	delete(s.typers, name)

	names := s.namesLocked()
	s.mu.Unlock()

	s.notify(names)
}

// Clear drops every entry, used on room teardown. Listeners are told
// the set is empty when it was not already.
func (s *TypingState) Clear() {
	s.mu.Lock()
	had := len(s.typers) > 0
	for name, tp := range s.typers {
		if tp.timer != nil {
			tp.timer.Stop()
		}
		delete(s.typers, name)
	}
	s.mu.Unlock()

	if had {
		s.notify([]string{})
	}
}

func (s *TypingState) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namesLocked()
}

func (s *TypingState) namesLocked() []string {
	names := make([]string, 0, len(s.typers))
	for name := range s.typers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *TypingState) Label() string {
	return TypingLabel(s.Names())
}

func (s *TypingState) notify(names []string) {
	if s.onChange != nil {
		s.onChange(names)
	}
}

// TypingLabel renders the indicator line for the given names.
func TypingLabel(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	default:
		return strings.Join(names, ", ") + " are typing..."
	}
}
