package chat

import (
	"encoding/json"
	"sync"

	"github.com/npezzotti/go-projectchat/internal/types"
	"github.com/rs/zerolog"
)

// RoomTracker holds the client's single current project room. Membership
// lives only in the gateway's connection state, so the tracker rejoins the
// current room whenever the socket reconnects.
type RoomTracker struct {
	log    zerolog.Logger
	socket Socket

	// mu serializes room transitions
	mu      sync.Mutex
	current string

	onConnect *Listener[json.RawMessage]
}

func NewRoomTracker(logger zerolog.Logger, socket Socket) *RoomTracker {
	rt := &RoomTracker{
		log:    logger,
		socket: socket,
	}
	rt.onConnect = NewListener(func(json.RawMessage) { rt.rejoin() })
	socket.On(types.EventConnect, rt.onConnect)

	return rt
}

// JoinProject leaves the current room when it differs from projectId and
// joins projectId.
func (rt *RoomTracker) JoinProject(projectId string) {
	if projectId == "" {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.current != "" && rt.current != projectId {
		rt.log.Debug().Str("project_id", rt.current).Msg("leaving room before join")
		rt.socket.Emit(types.EventLeaveProject, rt.current)
	}

	rt.socket.Emit(types.EventJoinProject, projectId)
	rt.current = projectId
	rt.log.Debug().Str("project_id", projectId).Msg("joined room")
}

// LeaveProject emits a leave for projectId but only clears the current
// room when it still points at projectId, so a late teardown cannot drop a
// room joined in the meantime.
func (rt *RoomTracker) LeaveProject(projectId string) {
	if projectId == "" {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.socket.Emit(types.EventLeaveProject, projectId)
	if rt.current == projectId {
		rt.current = ""
	}
	rt.log.Debug().Str("project_id", projectId).Msg("left room")
}

func (rt *RoomTracker) Current() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.current
}

func (rt *RoomTracker) rejoin() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.current == "" {
		return
	}

	rt.log.Info().Str("project_id", rt.current).Msg("rejoining room after reconnect")
	rt.socket.Emit(types.EventJoinProject, rt.current)
}

// Close stops following reconnects.
func (rt *RoomTracker) Close() {
	rt.socket.Off(types.EventConnect, rt.onConnect)
}
