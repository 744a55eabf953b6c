package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-projectchat/internal/types"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024

	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectAttempts = 5
)

// Socket is the part of a gateway connection the room tracker and the
// dispatcher depend on.
type Socket interface {
	Emit(event string, data any) bool
	On(event string, l *Listener[json.RawMessage])
	Off(event string, l *Listener[json.RawMessage])
	Connected() bool
}

type ConnectionOptions struct {
	URL                  string
	Token                string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	Dialer               *websocket.Dialer
}

// ConnectionManager owns the single long-lived connection to the gateway.
// It is constructed once by the application and shared by every chat view.
type ConnectionManager struct {
	log  zerolog.Logger
	opts ConnectionOptions

	mu   sync.Mutex
	conn *Conn
}

func NewConnectionManager(logger zerolog.Logger, opts ConnectionOptions) *ConnectionManager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	return &ConnectionManager{
		log:  logger,
		opts: opts,
	}
}

// Connect returns the active connection handle, creating it when none
// exists or the previous one gave up reconnecting. It never blocks on the network: the handle dials in the
// background and reports progress through connect/disconnect events.
func (m *ConnectionManager) Connect() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.conn
	if prev != nil {
		select {
		case <-prev.Done():
		default:
			return prev
		}
	}

	c := newConn(m.log, m.opts)
	if prev != nil {
		// the reconnect budget of prev ran out: the fresh handle keeps its
		// listeners and prev forwards to it, so holders of prev recover too
		m.log.Info().Msg("previous connection gave up, starting a new one")
		c.listeners = prev.listeners
		prev.successor.Store(c)
	}
	m.conn = c
	go c.run()

	return c
}

// Disconnect tears down the connection; a later Connect starts afresh.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()

	if c != nil {
		c.close()
	}
}

type eventListeners struct {
	mu     sync.RWMutex
	events map[string]*listenerSet[json.RawMessage]
}

// Conn is a handle on the gateway connection that survives automatic
// reconnects. Sends attempted while disconnected are dropped.
type Conn struct {
	log  zerolog.Logger
	opts ConnectionOptions

	send      chan []byte
	connected atomic.Bool

	listeners *eventListeners
	// successor is set when the manager replaced this stopped handle
	successor atomic.Pointer[Conn]

	wsLock sync.Mutex
	ws     *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newConn(logger zerolog.Logger, opts ConnectionOptions) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		log:    logger,
		opts:   opts,
		send:   make(chan []byte, 256),
		listeners: &eventListeners{
			events: make(map[string]*listenerSet[json.RawMessage]),
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// current follows replacements made by the manager to the live handle.
func (c *Conn) current() *Conn {
	for next := c.successor.Load(); next != nil; next = c.successor.Load() {
		c = next
	}
	return c
}

func (c *Conn) Connected() bool {
	return c.current().connected.Load()
}

// Done is closed once the handle has stopped for good, either after
// Disconnect or after the reconnect budget ran out.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) On(event string, l *Listener[json.RawMessage]) {
	c.listeners.mu.Lock()
	set, ok := c.listeners.events[event]
	if !ok {
		set = &listenerSet[json.RawMessage]{}
		c.listeners.events[event] = set
	}
	c.listeners.mu.Unlock()

	set.add(l)
}

func (c *Conn) Off(event string, l *Listener[json.RawMessage]) {
	c.listeners.mu.RLock()
	set, ok := c.listeners.events[event]
	c.listeners.mu.RUnlock()

	if ok {
		set.remove(l)
	}
}

func (c *Conn) dispatch(event string, data json.RawMessage) {
	c.listeners.mu.RLock()
	set, ok := c.listeners.events[event]
	c.listeners.mu.RUnlock()

	if ok {
		set.emit(data)
	}
}

// Emit queues an event for the gateway. It reports false, without
// buffering, when the connection is down or the send queue is full.
func (c *Conn) Emit(event string, data any) bool {
	if live := c.current(); live != c {
		return live.Emit(event, data)
	}

	if !c.Connected() {
		c.log.Debug().Str("event", event).Msg("dropping event, not connected")
		return false
	}

	env, err := types.NewEnvelope(event, data)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to build envelope")
		return false
	}

	raw, err := json.Marshal(env)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to serialize envelope")
		return false
	}

	select {
	case c.send <- raw:
		return true
	default:
		c.log.Warn().Str("event", event).Msg("send queue full, dropping event")
		return false
	}
}

func (c *Conn) newBackOff() backoff.BackOffContext {
	b := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(c.opts.ReconnectDelay),
		uint64(c.opts.MaxReconnectAttempts),
	)
	return backoff.WithContext(b, c.ctx)
}

func (c *Conn) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	ws, resp, err := c.opts.Dialer.DialContext(c.ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	return ws, nil
}

func (c *Conn) run() {
	defer close(c.done)

	for {
		var ws *websocket.Conn
		err := backoff.RetryNotify(func() error {
			var err error
			ws, err = c.dial()
			return err
		}, c.newBackOff(), func(err error, next time.Duration) {
			c.log.Warn().Err(err).Dur("retry_in", next).Msg("gateway connection failed")
		})
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Error().Err(err).Msg("giving up connecting to gateway")
			}
			return
		}

		c.serve(ws)

		if c.ctx.Err() != nil {
			return
		}
		c.log.Info().Msg("connection lost, reconnecting")
	}
}

// serve runs the pumps for one physical connection and returns when it
// drops or the handle is closed.
func (c *Conn) serve(ws *websocket.Conn) {
	c.wsLock.Lock()
	c.ws = ws
	c.wsLock.Unlock()

	// discard anything queued against an earlier connection
	for len(c.send) > 0 {
		<-c.send
	}

	c.connected.Store(true)
	c.log.Info().Str("url", c.opts.URL).Msg("connected to gateway")
	c.dispatch(types.EventConnect, nil)

	stop := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.write(ws, stop)
	}()

	c.read(ws)

	c.connected.Store(false)
	close(stop)
	<-writeDone
	ws.Close()

	c.wsLock.Lock()
	c.ws = nil
	c.wsLock.Unlock()

	c.dispatch(types.EventDisconnect, nil)
}

func (c *Conn) read(ws *websocket.Conn) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read")
			}
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Error().Err(err).Msg("error parsing frame")
			continue
		}

		c.dispatch(env.Event, env.Data)
	}
}

func (c *Conn) write(ws *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case raw := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.log.Warn().Err(err).Msg("write")
				ws.Close()
				return
			}
		case <-stop:
			return
		case <-c.ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			ws.Close()
			return
		}
	}
}

func (c *Conn) close() {
	c.cancel()

	c.wsLock.Lock()
	if c.ws != nil {
		c.ws.Close()
	}
	c.wsLock.Unlock()

	<-c.done
	c.connected.Store(false)
}
