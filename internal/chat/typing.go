package chat

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultTypingIdle = time.Second

type typingEmitter interface {
	StartTyping(projectId, userName string)
	StopTyping(projectId, userName string)
}

type typingState int

const (
	typingIdle typingState = iota
	typingActive
)

// TypingDebouncer turns composer keystrokes into one typing-start per burst
// and one typing-stop when the burst ends: on idle timeout, blur or send.
// Nothing is acknowledged; a lost stop is not retried.
type TypingDebouncer struct {
	emitter   typingEmitter
	clock     clock.Clock
	idle      time.Duration
	projectId string
	userName  string

	mu    sync.Mutex
	state typingState
	timer *clock.Timer
	// gen invalidates timers that fire after being replaced
	gen uint64
}

func NewTypingDebouncer(emitter typingEmitter, clk clock.Clock, projectId, userName string, idle time.Duration) *TypingDebouncer {
	if clk == nil {
		clk = clock.New()
	}
	if idle <= 0 {
		idle = DefaultTypingIdle
	}

	return &TypingDebouncer{
		emitter:   emitter,
		clock:     clk,
		idle:      idle,
		projectId: projectId,
		userName:  userName,
	}
}

// Keystroke records composer activity with the current input value.
func (t *TypingDebouncer) Keystroke(input string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == typingIdle && input != "" {
		t.state = typingActive
		t.emitter.StartTyping(t.projectId, t.userName)
	}

	t.rearm()
}

func (t *TypingDebouncer) Blur() { t.stop() }

func (t *TypingDebouncer) Sent() { t.stop() }

// Stop disarms the idle timer; used on teardown.
func (t *TypingDebouncer) Stop() { t.stop() }

func (t *TypingDebouncer) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == typingActive
}

func (t *TypingDebouncer) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disarm()
	t.toIdle()
}

func (t *TypingDebouncer) toIdle() {
	if t.state != typingActive {
		return
	}
	t.state = typingIdle
	t.emitter.StopTyping(t.projectId, t.userName)
}

func (t *TypingDebouncer) rearm() {
	t.disarm()

	gen := t.gen
	t.timer = t.clock.AfterFunc(t.idle, func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if gen != t.gen {
			return
		}
		t.timer = nil
		t.toIdle()
	})
}

func (t *TypingDebouncer) disarm() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
