package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/npezzotti/go-projectchat/internal/types"
	"github.com/rs/zerolog"
)

type ViewOptions struct {
	ProjectId    string
	UserName     string
	Dispatcher   *Dispatcher
	Rooms        *RoomTracker
	History      HistoryFetcher
	Clock        clock.Clock
	HistoryLimit int
	TypingIdle   time.Duration
	TypingExpiry time.Duration

	// OnChange receives the full ordered list after every change.
	// Consumers scroll to its last element.
	OnChange func([]types.ChatMessage)
	// OnTyping receives the rendered typing indicator after every change.
	OnTyping func(label string)
}

// ChatView keeps one project's ordered, duplicate free message list fed
// by a history fetch and by live events that may arrive in any order
// relative to it.
type ChatView struct {
	log  zerolog.Logger
	opts ViewOptions

	typing    *TypingState
	debouncer *TypingDebouncer

	mu       sync.Mutex
	messages []types.ChatMessage
	ids      map[string]struct{}
	open     bool
	ready    bool
	cancel   context.CancelFunc
	loading  sync.WaitGroup

	onMessage *Listener[types.ChatMessage]
	onTyping  *Listener[types.UserTyping]
}

func NewChatView(logger zerolog.Logger, opts ViewOptions) *ChatView {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	v := &ChatView{
		log:  logger.With().Str("project_id", opts.ProjectId).Logger(),
		opts: opts,
		ids:  make(map[string]struct{}),
	}

	v.typing = NewTypingState(opts.Clock, opts.TypingExpiry, func(names []string) {
		if v.opts.OnTyping != nil {
			v.opts.OnTyping(TypingLabel(names))
		}
	})
	v.debouncer = NewTypingDebouncer(opts.Dispatcher, opts.Clock, opts.ProjectId, opts.UserName, opts.TypingIdle)
	v.onMessage = NewListener(v.receive)
	v.onTyping = NewListener(v.receiveTyping)

	return v
}

// Open joins the project room, subscribes to live events and starts the
// history fetch. The view is ready for input immediately; it never waits
// for history.
func (v *ChatView) Open(ctx context.Context) {
	v.mu.Lock()
	if v.open {
		v.mu.Unlock()
		return
	}
	ctx, v.cancel = context.WithCancel(ctx)
	v.open = true
	v.ready = true
	v.mu.Unlock()

	v.opts.Dispatcher.OnMessage(v.onMessage)
	v.opts.Dispatcher.OnTyping(v.onTyping)
	v.opts.Rooms.JoinProject(v.opts.ProjectId)

	if v.opts.History == nil {
		return
	}

	v.loading.Add(1)
	go func() {
		defer v.loading.Done()
		v.loadHistory(ctx)
	}()
}

// Close leaves the room and drops every subscription. A history fetch
// still in flight is cancelled and its result ignored.
func (v *ChatView) Close() {
	v.mu.Lock()
	if !v.open {
		v.mu.Unlock()
		return
	}
	v.open = false
	v.ready = false
	v.cancel()
	v.mu.Unlock()

	v.opts.Dispatcher.OffMessage(v.onMessage)
	v.opts.Dispatcher.OffTyping(v.onTyping)
	v.debouncer.Stop()
	v.typing.Clear()
	v.opts.Rooms.LeaveProject(v.opts.ProjectId)
}

// WaitHistory blocks until the history fetch started by Open has settled.
func (v *ChatView) WaitHistory() {
	v.loading.Wait()
}

func (v *ChatView) loadHistory(ctx context.Context) {
	history, err := v.opts.History.Fetch(ctx, v.opts.ProjectId, v.opts.HistoryLimit, 0)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			v.log.Debug().Msg("history fetch cancelled")
			return
		}
		v.log.Error().Err(err).Msg("failed to load message history, showing live messages only")
		return
	}

	v.mu.Lock()
	if !v.open || ctx.Err() != nil {
		v.mu.Unlock()
		return
	}

	v.messages = MergeMessages(history, v.messages)
	v.ids = make(map[string]struct{}, len(v.messages))
	for _, m := range v.messages {
		if m.Id != "" {
			v.ids[m.Id] = struct{}{}
		}
	}
	snapshot := v.snapshotLocked()
	v.mu.Unlock()

	v.log.Debug().Int("history", len(history)).Int("total", len(snapshot)).Msg("history merged")
	v.changed(snapshot)
}

func (v *ChatView) receive(msg types.ChatMessage) {
	if msg.ProjectId != "" && msg.ProjectId != v.opts.ProjectId {
		return
	}

	v.mu.Lock()
	if !v.open {
		v.mu.Unlock()
		return
	}
	if msg.Id != "" {
		if _, dup := v.ids[msg.Id]; dup {
			v.mu.Unlock()
			v.log.Debug().Str("message_id", msg.Id).Msg("discarding duplicate message")
			return
		}
		v.ids[msg.Id] = struct{}{}
	}
	v.messages = insertMessage(v.messages, msg)
	snapshot := v.snapshotLocked()
	v.mu.Unlock()

	v.changed(snapshot)
}

func (v *ChatView) receiveTyping(ev types.UserTyping) {
	if ev.ProjectId != "" && ev.ProjectId != v.opts.ProjectId {
		return
	}
	if ev.UserName == v.opts.UserName {
		return
	}

	v.mu.Lock()
	open := v.open
	v.mu.Unlock()

	if open {
		v.typing.Apply(ev)
	}
}

func (v *ChatView) changed(snapshot []types.ChatMessage) {
	if v.opts.OnChange != nil {
		v.opts.OnChange(snapshot)
	}
}

func (v *ChatView) snapshotLocked() []types.ChatMessage {
	out := make([]types.ChatMessage, len(v.messages))
	copy(out, v.messages)
	return out
}

// Input reports a composer change.
func (v *ChatView) Input(text string) {
	if v.isOpen() {
		v.debouncer.Keystroke(text)
	}
}

func (v *ChatView) Blur() {
	v.debouncer.Blur()
}

// Send emits text as a chat message. Delivery is fire-and-forget: the
// returned envelope only tells the caller a send was attempted, nil means
// it was rejected locally (empty text or closed view).
func (v *ChatView) Send(text string) *types.OutgoingMessage {
	if !v.isOpen() {
		return nil
	}

	v.debouncer.Sent()
	return v.opts.Dispatcher.SendMessage(v.opts.ProjectId, text, v.opts.UserName, types.MessageTypeText)
}

func (v *ChatView) UpdateStatus(oldStatus, newStatus string) *types.OutgoingMessage {
	if !v.isOpen() {
		return nil
	}
	return v.opts.Dispatcher.SendStatusUpdate(v.opts.ProjectId, oldStatus, newStatus, v.opts.UserName)
}

func (v *ChatView) UpdatePriority(oldPriority, newPriority string) *types.OutgoingMessage {
	if !v.isOpen() {
		return nil
	}
	return v.opts.Dispatcher.SendPriorityUpdate(v.opts.ProjectId, oldPriority, newPriority, v.opts.UserName)
}

func (v *ChatView) Messages() []types.ChatMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// Ready reports whether input may be sent: the view is open and the
// gateway connection is up. History state does not matter.
func (v *ChatView) Ready() bool {
	v.mu.Lock()
	ready := v.ready
	v.mu.Unlock()

	return ready && v.opts.Dispatcher.Connected()
}

func (v *ChatView) TypingLabel() string {
	return v.typing.Label()
}

func (v *ChatView) isOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open
}
