package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/npezzotti/go-projectchat/internal/broker"
	"github.com/npezzotti/go-projectchat/internal/database"
	"github.com/npezzotti/go-projectchat/internal/stats"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const brokerTimeout = 2 * time.Second

type unloadRoomRequest struct {
	projectId string
}

// ChatServer owns the loaded project rooms and the connected clients.
// All room lifecycle changes happen on the Run goroutine.
type ChatServer struct {
	log        zerolog.Logger
	db         database.MessageRepository
	broker     broker.Broker
	stats      stats.StatsProvider
	clock      clock.Clock
	validate   *validator.Validate
	instanceId string
	newId      func() (string, error)

	clients     map[*Client]struct{}
	clientsLock sync.Mutex

	joinChan       chan *ClientMessage
	registerChan   chan *Client
	deRegisterChan chan *Client
	unloadRoomChan chan unloadRoomRequest
	rooms          map[string]*Room

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewChatServer(logger zerolog.Logger, db database.MessageRepository, b broker.Broker, st stats.StatsProvider, clk clock.Clock) (*ChatServer, error) {
	if clk == nil {
		clk = clock.New()
	}

	sid, err := shortid.New(1, shortid.DefaultABC, uint64(clk.Now().UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("shortid: %w", err)
	}

	for _, name := range []string{
		stats.NumActiveClients,
		stats.NumActiveRooms,
		stats.NumMessages,
		stats.NumTypingSignals,
	} {
		st.RegisterMetric(name)
	}

	instanceId := uuid.NewString()

	return &ChatServer{
		log:            logger.With().Str("instance", instanceId).Logger(),
		db:             db,
		broker:         b,
		stats:          st,
		clock:          clk,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		instanceId:     instanceId,
		newId:          sid.Generate,
		clients:        make(map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		unloadRoomChan: make(chan unloadRoomRequest, 256),
		rooms:          make(map[string]*Room),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Run() {
	defer close(cs.done)

	for {
		select {
		case join := <-cs.joinChan:
			cs.handleJoin(join)
		case client := <-cs.registerChan:
			cs.log.Debug().Str("client", client.id).Int("user_id", client.userId).Msg("adding connection")
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.log.Debug().Str("client", client.id).Int("user_id", client.userId).Msg("removing connection")
			cs.removeClient(client)
		case req := <-cs.unloadRoomChan:
			cs.unloadRoom(req.projectId)
		case <-cs.stop:
			cs.log.Info().Int("rooms", len(cs.rooms)).Msg("shutting down rooms")
			for id, r := range cs.rooms {
				r.exit <- exitReq{}
				<-r.done
				delete(cs.rooms, id)
				cs.stats.Decr(stats.NumActiveRooms)
			}
			return
		}
	}
}

func (cs *ChatServer) handleJoin(join *ClientMessage) {
	r, ok := cs.rooms[join.ProjectId]
	if !ok {
		var err error
		r, err = cs.loadRoom(join.ProjectId)
		if err != nil {
			cs.log.Error().Err(err).Str("project_id", join.ProjectId).Msg("failed to load room")
			join.client.queueMessage(ErrServiceUnavailable())
			join.ack()
			return
		}
	}

	select {
	case r.joinChan <- join:
	default:
		cs.log.Warn().Str("project_id", r.projectId).Msg("join channel full")
		join.client.queueMessage(ErrServiceUnavailable())
		join.ack()
	}
}

func (cs *ChatServer) loadRoom(projectId string) (*Room, error) {
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()

	events, err := cs.broker.Subscribe(ctx, broker.Channel(projectId))
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	r := newRoom(cs, projectId, events)
	cs.rooms[projectId] = r
	cs.stats.Incr(stats.NumActiveRooms)

	go r.start()

	return r, nil
}

// unloadRoom asks an idle room to exit. The room refuses when a client
// joined after it reported being idle.
func (cs *ChatServer) unloadRoom(projectId string) {
	r, ok := cs.rooms[projectId]
	if !ok {
		return
	}

	done := make(chan bool, 1)
	r.exit <- exitReq{unload: true, done: done}
	if !<-done {
		cs.log.Debug().Str("project_id", projectId).Msg("room became active, keeping it loaded")
		return
	}

	<-r.done
	delete(cs.rooms, projectId)
	cs.stats.Decr(stats.NumActiveRooms)
	cs.log.Info().Str("project_id", projectId).Int("rooms", len(cs.rooms)).Msg("unloaded room")
}

// RegisterClient hands a freshly upgraded connection to the server.
func (cs *ChatServer) RegisterClient(c *Client) bool {
	select {
	case cs.registerChan <- c:
		return true
	case <-cs.stop:
		return false
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.NumActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	cs.stats.Decr(stats.NumActiveClients)
}

// Shutdown disconnects every client, then stops the rooms.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	cs.stopOnce.Do(func() { close(cs.stop) })

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("chat server shutdown: %w", ctx.Err())
	}
}
