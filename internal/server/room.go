package server

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/npezzotti/go-projectchat/internal/broker"
	"github.com/npezzotti/go-projectchat/internal/database"
	"github.com/npezzotti/go-projectchat/internal/stats"
	"github.com/npezzotti/go-projectchat/internal/types"
	"github.com/rs/zerolog"
)

const (
	idleRoomTimeout = 5 * time.Second
	// typingTimeout clears a typing indicator whose stop was lost
	typingTimeout = 10 * time.Second
	dbTimeout     = 5 * time.Second
)

type exitReq struct {
	// unload is set when the room asked to be unloaded for being idle;
	// otherwise the server is shutting down and the room always exits
	unload bool
	done   chan bool
}

type typer struct {
	userName string
	timer    *clock.Timer
	gen      uint64
}

type typingExpiry struct {
	client *Client
	gen    uint64
}

type Room struct {
	projectId     string
	cs            *ChatServer
	log           zerolog.Logger
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	clients       map[*Client]struct{}
	clientLock    sync.RWMutex
	// events carries the room's broadcasts back from the broker
	events        <-chan *broker.Event
	typers        map[*Client]*typer
	typingGen     uint64
	typingExpired chan typingExpiry
	// killTimer is used to automatically unload the room when it is no longer active
	killTimer *clock.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(cs *ChatServer, projectId string, events <-chan *broker.Event) *Room {
	r := &Room{
		projectId:     projectId,
		cs:            cs,
		log:           cs.log.With().Str("project_id", projectId).Logger(),
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		clients:       make(map[*Client]struct{}),
		events:        events,
		typers:        make(map[*Client]*typer),
		typingExpired: make(chan typingExpiry, 16),
		killTimer:     cs.clock.Timer(idleRoomTimeout),
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}
	r.killTimer.Stop()

	return r
}

func (r *Room) start() {
	defer close(r.done)
	r.log.Info().Msg("starting room")

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case msg := <-r.clientMsgChan:
			r.handleClientMessage(msg)
		case ev, ok := <-r.events:
			if !ok {
				r.log.Warn().Msg("broker subscription closed")
				r.events = nil
				continue
			}
			r.deliver(ev)
		case exp := <-r.typingExpired:
			r.handleTypingExpiry(exp)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			if r.handleRoomExit(e) {
				return
			}
		}
	}
}

func (r *Room) handleClientMessage(msg *ClientMessage) {
	switch msg.Event {
	case types.EventSendMessage:
		r.saveAndBroadcast(msg)
	case types.EventProjectUpdate:
		r.broadcastUpdate(msg)
	case types.EventTypingStart:
		r.startTyping(msg.client, msg.Typing.UserName)
	case types.EventTypingStop:
		r.stopTyping(msg.client)
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	defer join.ack()

	// stop the kill timer since we have a new client
	r.killTimer.Stop()
	r.addClient(join.client)
}

func (r *Room) handleLeave(leave *ClientMessage) {
	defer leave.ack()

	r.stopTyping(leave.client)
	r.removeClient(leave.client)
}

func (r *Room) handleRoomTimeout() {
	r.log.Debug().Msg("room timed out")
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{projectId: r.projectId}:
	default:
		r.log.Warn().Msg("unload channel full, retrying later")
		r.killTimer.Reset(idleRoomTimeout)
	}
}

// handleRoomExit reports whether the room stopped. An unload is refused
// when clients joined after the room went idle.
func (r *Room) handleRoomExit(e exitReq) bool {
	if e.unload {
		// joins queued by the server before it asked us to exit
		for pending := true; pending; {
			select {
			case join := <-r.joinChan:
				r.handleJoin(join)
			default:
				pending = false
			}
		}

		if r.numClients() > 0 {
			e.done <- false
			return false
		}
	}

	r.log.Info().Bool("unload", e.unload).Msg("room is exiting")

	for c, t := range r.typers {
		t.timer.Stop()
		delete(r.typers, c)
	}

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.projectId)
		delete(r.clients, c)
	}
	r.clientLock.Unlock()

	r.killTimer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	if err := r.cs.broker.Unsubscribe(ctx, broker.Channel(r.projectId)); err != nil {
		r.log.Error().Err(err).Msg("unsubscribe")
	}

	if e.done != nil {
		e.done <- true
	}

	return true
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	c.delRoom(r.projectId)

	// if the client is the last one in the room, start the kill timer
	if len(r.clients) == 0 {
		r.log.Debug().Msg("no clients left, starting kill timer")
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) numClients() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return len(r.clients)
}

// saveAndBroadcast persists a chat message and fans it out to every
// member, the sender included. A message that cannot be stored is
// reported to the sender only.
func (r *Room) saveAndBroadcast(msg *ClientMessage) {
	id, err := r.cs.newId()
	if err != nil {
		r.log.Error().Err(err).Msg("generate message id")
		msg.client.queueMessage(ErrInternalError())
		return
	}

	messageType := msg.Message.MessageType
	if messageType == "" {
		messageType = types.MessageTypeText
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	saved, err := r.cs.db.CreateMessage(ctx, database.Message{
		Id:          id,
		ProjectId:   r.projectId,
		Sender:      msg.Message.Sender,
		Content:     msg.Message.Message,
		MessageType: string(messageType),
		CreatedAt:   msg.Timestamp,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("error saving message")
		msg.client.queueMessage(ErrInternalError())
		return
	}

	r.cs.stats.Incr(stats.NumMessages)

	// a sent message ends the sender's typing burst
	r.stopTyping(msg.client)

	createdAt := saved.CreatedAt.UTC()
	r.publish(types.EventReceiveMessage, types.WireMessage{
		Id:          saved.Id,
		ProjectId:   saved.ProjectId,
		Sender:      saved.Sender,
		Message:     saved.Content,
		MessageType: types.MessageType(saved.MessageType),
		Timestamp:   &createdAt,
	}, "")
}

func (r *Room) broadcastUpdate(msg *ClientMessage) {
	r.publish(types.EventProjectUpdated, msg.Update, msg.client.id)
}

func (r *Room) startTyping(c *Client, userName string) {
	r.cs.stats.Incr(stats.NumTypingSignals)

	t, existed := r.typers[c]
	if existed {
		t.timer.Stop()
	} else {
		t = &typer{userName: userName}
		r.typers[c] = t
	}

	r.typingGen++
	t.gen = r.typingGen
	exp := typingExpiry{client: c, gen: t.gen}
	t.timer = r.cs.clock.AfterFunc(typingTimeout, func() {
		select {
		case r.typingExpired <- exp:
		case <-r.done:
		}
	})

	if !existed {
		r.publish(types.EventUserTyping, types.UserTyping{
			ProjectId: r.projectId,
			UserName:  userName,
			Typing:    true,
		}, c.id)
	}
}

func (r *Room) stopTyping(c *Client) {
	t, ok := r.typers[c]
	if !ok {
		return
	}
	t.timer.Stop()
	delete(r.typers, c)

	r.publish(types.EventUserTyping, types.UserTyping{
		ProjectId: r.projectId,
		UserName:  t.userName,
		Typing:    false,
	}, c.id)
}

func (r *Room) handleTypingExpiry(exp typingExpiry) {
	t, ok := r.typers[exp.client]
	if !ok || t.gen != exp.gen {
		return
	}

	r.log.Debug().Str("user", t.userName).Msg("typing indicator expired")
	r.stopTyping(exp.client)
}

func (r *Room) publish(event string, data any, skip string) {
	ev, err := broker.NewEvent(r.projectId, event, data)
	if err != nil {
		r.log.Error().Err(err).Str("event", event).Msg("build broadcast")
		return
	}
	ev.Skip = skip
	ev.Origin = r.cs.instanceId

	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()

	if err := r.cs.broker.Publish(ctx, broker.Channel(r.projectId), ev); err != nil {
		r.log.Error().Err(err).Str("event", event).Msg("publish broadcast")
	}
}

// deliver queues a broker event on every local member except the one it
// names as skipped.
func (r *Room) deliver(ev *broker.Event) {
	env := &types.Envelope{Event: ev.Event, Data: ev.Data}

	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for c := range r.clients {
		if c.id == ev.Skip {
			continue
		}
		c.queueMessage(env)
	}
}
