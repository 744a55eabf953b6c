package server

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-projectchat/internal/types"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

// membershipTimeout bounds the wait for a room to apply a join or leave.
const membershipTimeout = 5 * time.Second

type Client struct {
	id         string
	userId     int
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger
	send       chan *types.Envelope
	rooms      map[string]*Room
	roomsLock  sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(userId int, conn *websocket.Conn, cs *ChatServer, l zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:         id,
		userId:     userId,
		conn:       conn,
		chatServer: cs,
		log:        l.With().Str("client", id).Int("user_id", userId).Logger(),
		send:       make(chan *types.Envelope, 256),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case env := <-c.send:
			raw, err := serializeMessage(env)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, raw) {
				return
			}
		case <-c.stop:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read")
			}
			return
		}

		c.handleFrame(raw)
	}
}

// handleFrame decodes one frame and routes it. Malformed frames are
// answered with an error event; the connection stays open.
func (c *Client) handleFrame(raw []byte) {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		c.log.Debug().Err(err).Msg("error parsing frame")
		c.queueMessage(ErrInvalidMessage())
		return
	}

	msg := &ClientMessage{
		Event:     env.Event,
		Timestamp: c.chatServer.clock.Now().UTC().Round(time.Millisecond),
		client:    c,
	}

	switch env.Event {
	case types.EventJoinProject, types.EventLeaveProject:
		var projectId string
		if err := json.Unmarshal(env.Data, &projectId); err != nil || strings.TrimSpace(projectId) == "" {
			c.queueMessage(ErrInvalidPayload(env.Event))
			return
		}
		msg.ProjectId = projectId

		if env.Event == types.EventJoinProject {
			c.joinRoom(msg)
		} else {
			c.leaveRoom(msg)
		}
	case types.EventSendMessage:
		var out types.OutgoingMessage
		if !c.decode(env, &out) {
			return
		}
		msg.ProjectId = out.ProjectId
		msg.Message = &out
		c.forward(msg, true)
	case types.EventProjectUpdate:
		var update types.ProjectUpdate
		if !c.decode(env, &update) {
			return
		}
		msg.ProjectId = update.ProjectId
		msg.Update = &update
		c.forward(msg, true)
	case types.EventTypingStart, types.EventTypingStop:
		var signal types.TypingSignal
		if !c.decode(env, &signal) {
			return
		}
		msg.ProjectId = signal.ProjectId
		msg.Typing = &signal
		// typing for a room the client is not in is dropped quietly
		c.forward(msg, false)
	default:
		c.queueMessage(ErrUnknownEvent(env.Event))
	}
}

func (c *Client) decode(env types.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		c.log.Debug().Err(err).Str("event", env.Event).Msg("error decoding payload")
		c.queueMessage(ErrInvalidPayload(env.Event))
		return false
	}

	if err := c.chatServer.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.log.Debug().Str("event", env.Event).Str("fields", verrs.Error()).Msg("payload failed validation")
		}
		c.queueMessage(ErrInvalidPayload(env.Event))
		return false
	}

	return true
}

// forward hands msg to the room it targets.
func (c *Client) forward(msg *ClientMessage, reportMissing bool) {
	r := c.getRoom(msg.ProjectId)
	if r == nil {
		if reportMissing {
			c.queueMessage(ErrNotMember(msg.ProjectId))
		}
		return
	}

	select {
	case r.clientMsgChan <- msg:
	case <-r.done:
		if reportMissing {
			c.queueMessage(ErrNotMember(msg.ProjectId))
		}
	default:
		c.log.Warn().Str("project_id", r.projectId).Msg("clientMsgChan full")
		c.queueMessage(ErrServiceUnavailable())
	}
}

func (c *Client) queueMessage(env *types.Envelope) bool {
	select {
	case c.send <- env:
	default:
		c.log.Warn().Str("event", env.Event).Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(env *types.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	select {
	case c.chatServer.deRegisterChan <- c:
	case <-c.chatServer.done:
	}
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.roomsLock.RUnlock()

	for _, r := range rooms {
		select {
		case r.leaveChan <- &ClientMessage{Event: types.EventLeaveProject, ProjectId: r.projectId, client: c}:
		case <-r.done:
		}
	}
}

// joinRoom blocks until the room has added the client, so frames that
// follow a join on the same connection see the membership.
func (c *Client) joinRoom(msg *ClientMessage) {
	if c.getRoom(msg.ProjectId) != nil {
		return
	}

	joined := make(chan struct{})
	msg.handled = joined

	select {
	case c.chatServer.joinChan <- msg:
	default:
		c.log.Warn().Msg("joinChan full")
		c.queueMessage(ErrServiceUnavailable())
		return
	}

	select {
	case <-joined:
	case <-c.stop:
	case <-time.After(membershipTimeout):
		c.log.Warn().Str("project_id", msg.ProjectId).Msg("timed out waiting for join")
	}
}

// leaveRoom blocks until the room has removed the client, so a join for
// the same room that follows on the connection is not mistaken for a
// repeat.
func (c *Client) leaveRoom(msg *ClientMessage) {
	r := c.getRoom(msg.ProjectId)
	if r == nil {
		c.log.Debug().Str("project_id", msg.ProjectId).Msg("leave for a room the client is not in")
		return
	}

	left := make(chan struct{})
	msg.handled = left

	select {
	case r.leaveChan <- msg:
	case <-r.done:
		return
	default:
		c.log.Warn().Str("project_id", r.projectId).Msg("leaveChan full")
		c.queueMessage(ErrServiceUnavailable())
		return
	}

	select {
	case <-left:
	case <-r.done:
	case <-c.stop:
	case <-time.After(membershipTimeout):
		c.log.Warn().Str("project_id", msg.ProjectId).Msg("timed out waiting for leave")
	}
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.projectId] = r
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}
