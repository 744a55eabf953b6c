package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-projectchat/internal/broker"
	"github.com/npezzotti/go-projectchat/internal/database"
	"github.com/npezzotti/go-projectchat/internal/stats"
	"github.com/npezzotti/go-projectchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func decodeTyping(t *testing.T, env *types.Envelope) types.UserTyping {
	t.Helper()

	require.Equal(t, types.EventUserTyping, env.Event)
	var ev types.UserTyping
	require.NoError(t, json.Unmarshal(env.Data, &ev))

	return ev
}

func TestRoom_SendMessageBroadcastsToEveryone(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cs.newId = func() (string, error) { return "msg-1", nil }
	env.db.On("CreateMessage", mock.Anything, mock.MatchedBy(func(m database.Message) bool {
		return m.Id == "msg-1" &&
			m.ProjectId == "p1" &&
			m.Sender == "alice" &&
			m.Content == "hello" &&
			m.MessageType == string(types.MessageTypeText) &&
			m.CreatedAt.Equal(testNow)
	})).Return(database.Message{
		Id:          "msg-1",
		ProjectId:   "p1",
		Sender:      "alice",
		Content:     "hello",
		MessageType: string(types.MessageTypeText),
		CreatedAt:   testNow,
	}, nil).Once()
	env.run(t)

	alice := env.newClient(t, 1)
	bob := env.newClient(t, 2)
	join(t, alice, "p1")
	join(t, bob, "p1")

	alice.handleFrame(frame(t, types.EventSendMessage, types.OutgoingMessage{
		ProjectId: "p1",
		Message:   "hello",
		Sender:    "alice",
	}))

	for _, c := range []*Client{alice, bob} {
		got := recv(t, c)
		require.Equal(t, types.EventReceiveMessage, got.Event)

		var wire types.WireMessage
		require.NoError(t, json.Unmarshal(got.Data, &wire))
		msg := wire.Normalize()
		assert.Equal(t, "msg-1", msg.Id)
		assert.Equal(t, "p1", msg.ProjectId)
		assert.Equal(t, "alice", msg.Sender)
		assert.Equal(t, "hello", msg.Message)
		assert.Equal(t, types.MessageTypeText, msg.MessageType)
		assert.True(t, msg.SentAt.Equal(testNow), "unexpected timestamp %s", msg.SentAt)
	}

	env.db.AssertExpectations(t)
}

func TestRoom_SendMessageOtherRoomsUnaffected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.On("CreateMessage", mock.Anything, mock.Anything).
		Return(database.Message{Id: "m", ProjectId: "p1", Content: "hi", MessageType: "text", CreatedAt: testNow}, nil)
	env.run(t)

	alice := env.newClient(t, 1)
	carol := env.newClient(t, 3)
	join(t, alice, "p1")
	join(t, carol, "p2")

	alice.handleFrame(frame(t, types.EventSendMessage, types.OutgoingMessage{ProjectId: "p1", Message: "hi", Sender: "alice"}))

	assert.Equal(t, types.EventReceiveMessage, recv(t, alice).Event)
	assertNoFrame(t, carol)
}

func TestRoom_SendMessagePersistenceFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.On("CreateMessage", mock.Anything, mock.Anything).Return(database.Message{}, errors.New("connection refused"))
	env.run(t)

	alice := env.newClient(t, 1)
	bob := env.newClient(t, 2)
	join(t, alice, "p1")
	join(t, bob, "p1")

	alice.handleFrame(frame(t, types.EventSendMessage, types.OutgoingMessage{ProjectId: "p1", Message: "hi", Sender: "alice"}))

	payload := decodeError(t, recv(t, alice))
	assert.Equal(t, http.StatusInternalServerError, payload.Code)
	assertNoFrame(t, bob)
}

func TestRoom_ProjectUpdateSkipsSender(t *testing.T) {
	env := newTestEnv(t, nil)
	env.run(t)

	alice := env.newClient(t, 1)
	bob := env.newClient(t, 2)
	join(t, alice, "p1")
	join(t, bob, "p1")

	update := types.ProjectUpdate{
		ProjectId:  "p1",
		UpdateType: types.UpdateTypeStatus,
		OldValue:   "Draft",
		NewValue:   "In Progress",
		UpdatedBy:  "alice",
	}
	alice.handleFrame(frame(t, types.EventProjectUpdate, update))

	got := recv(t, bob)
	require.Equal(t, types.EventProjectUpdated, got.Event)
	var received types.ProjectUpdate
	require.NoError(t, json.Unmarshal(got.Data, &received))
	assert.Equal(t, update, received)

	assertNoFrame(t, alice)
}

func TestRoom_Typing(t *testing.T) {
	tcs := []struct {
		name string
		// end finishes alice's typing burst
		end func(t *testing.T, env *testEnv, alice *Client)
	}{
		{
			name: "explicit stop",
			end: func(t *testing.T, env *testEnv, alice *Client) {
				alice.handleFrame(frame(t, types.EventTypingStop, types.TypingSignal{ProjectId: "p1", UserName: "alice"}))
			},
		},
		{
			name: "expiry",
			end: func(t *testing.T, env *testEnv, alice *Client) {
				env.clock.Add(typingTimeout)
			},
		},
		{
			name: "leave",
			end: func(t *testing.T, env *testEnv, alice *Client) {
				alice.handleFrame(frame(t, types.EventLeaveProject, "p1"))
			},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.run(t)

			alice := env.newClient(t, 1)
			bob := env.newClient(t, 2)
			join(t, alice, "p1")
			join(t, bob, "p1")

			start := frame(t, types.EventTypingStart, types.TypingSignal{ProjectId: "p1", UserName: "alice"})
			alice.handleFrame(start)

			assert.Equal(t, types.UserTyping{ProjectId: "p1", UserName: "alice", Typing: true}, decodeTyping(t, recv(t, bob)))

			// repeated starts refresh the expiry without a new broadcast
			alice.handleFrame(start)
			assertNoFrame(t, bob)

			tc.end(t, env, alice)

			assert.Equal(t, types.UserTyping{ProjectId: "p1", UserName: "alice", Typing: false}, decodeTyping(t, recv(t, bob)))
			assertNoFrame(t, alice)
		})
	}
}

func TestRoom_TypingRefreshDelaysExpiry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.run(t)

	alice := env.newClient(t, 1)
	bob := env.newClient(t, 2)
	join(t, alice, "p1")
	join(t, bob, "p1")

	start := frame(t, types.EventTypingStart, types.TypingSignal{ProjectId: "p1", UserName: "alice"})
	alice.handleFrame(start)
	decodeTyping(t, recv(t, bob))

	env.clock.Add(typingTimeout / 2)
	alice.handleFrame(start)
	assertNoFrame(t, bob)

	env.clock.Add(typingTimeout / 2)
	assertNoFrame(t, bob)

	env.clock.Add(typingTimeout / 2)
	assert.False(t, decodeTyping(t, recv(t, bob)).Typing)
}

func TestRoom_SendMessageEndsTyping(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.On("CreateMessage", mock.Anything, mock.Anything).
		Return(database.Message{Id: "m", ProjectId: "p1", Sender: "alice", Content: "hi", MessageType: "text", CreatedAt: testNow}, nil)
	env.run(t)

	alice := env.newClient(t, 1)
	bob := env.newClient(t, 2)
	join(t, alice, "p1")
	join(t, bob, "p1")

	alice.handleFrame(frame(t, types.EventTypingStart, types.TypingSignal{ProjectId: "p1", UserName: "alice"}))
	assert.True(t, decodeTyping(t, recv(t, bob)).Typing)

	alice.handleFrame(frame(t, types.EventSendMessage, types.OutgoingMessage{ProjectId: "p1", Message: "hi", Sender: "alice"}))

	assert.False(t, decodeTyping(t, recv(t, bob)).Typing)
	assert.Equal(t, types.EventReceiveMessage, recv(t, bob).Event)
}

func TestRoom_UnloadsWhenIdle(t *testing.T) {
	unloaded := make(chan struct{})
	st := new(stats.MockStatsUpdater)
	st.On("RegisterMetric", mock.Anything).Return()
	st.On("Incr", mock.Anything).Return().Maybe()
	st.On("Decr", stats.NumActiveRooms).Return().Run(func(mock.Arguments) { close(unloaded) }).Once()
	st.On("Decr", mock.Anything).Return().Maybe()

	env := newTestEnv(t, st)
	env.run(t)

	alice := env.newClient(t, 1)
	join(t, alice, "p1")
	room := alice.getRoom("p1")

	alice.handleFrame(frame(t, types.EventLeaveProject, "p1"))

	require.Eventually(t, func() bool {
		env.clock.Add(idleRoomTimeout)
		select {
		case <-unloaded:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case <-room.done:
	default:
		t.Fatal("expected room to have stopped")
	}

	// a later join loads a fresh room
	join(t, alice, "p1")
	assert.NotSame(t, room, alice.getRoom("p1"))
}

func TestRoom_UnloadRefusedWithPendingJoin(t *testing.T) {
	env := newTestEnv(t, nil)
	r := newRoom(env.cs, "p1", nil)
	alice := env.newClient(t, 1)

	joined := make(chan struct{})
	r.joinChan <- &ClientMessage{Event: types.EventJoinProject, ProjectId: "p1", client: alice, handled: joined}

	done := make(chan bool, 1)
	assert.False(t, r.handleRoomExit(exitReq{unload: true, done: done}))
	assert.False(t, <-done)
	assert.Equal(t, 1, r.numClients())
	assert.Same(t, r, alice.getRoom("p1"))

	select {
	case <-joined:
	default:
		t.Fatal("expected pending join to be acknowledged")
	}
}

func TestRoom_ExitRemovesMembers(t *testing.T) {
	env := newTestEnv(t, nil)
	r := newRoom(env.cs, "p1", nil)
	alice := env.newClient(t, 1)
	r.addClient(alice)

	assert.True(t, r.handleRoomExit(exitReq{}))
	assert.Zero(t, r.numClients())
	assert.Nil(t, alice.getRoom("p1"))
}

func TestRoom_DeliverHonoursSkip(t *testing.T) {
	env := newTestEnv(t, nil)
	r := newRoom(env.cs, "p1", nil)
	alice := env.newClient(t, 1)
	bob := env.newClient(t, 2)
	r.addClient(alice)
	r.addClient(bob)

	ev, err := types.NewEnvelope(types.EventUserTyping, types.UserTyping{UserName: "alice", Typing: true})
	require.NoError(t, err)

	r.deliver(&broker.Event{Event: ev.Event, Data: ev.Data, Skip: alice.id})

	assert.Equal(t, types.EventUserTyping, recv(t, bob).Event)
	assertNoFrame(t, alice)
}
