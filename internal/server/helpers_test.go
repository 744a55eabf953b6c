package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/npezzotti/go-projectchat/internal/broker"
	"github.com/npezzotti/go-projectchat/internal/database"
	"github.com/npezzotti/go-projectchat/internal/stats"
	"github.com/npezzotti/go-projectchat/internal/testutil"
	"github.com/npezzotti/go-projectchat/internal/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	cs     *ChatServer
	db     *database.MockMessageRepository
	broker *broker.Local
	clock  *clock.Mock
}

func permissiveStats() *stats.MockStatsUpdater {
	st := new(stats.MockStatsUpdater)
	st.On("RegisterMetric", mock.Anything).Return()
	st.On("Incr", mock.Anything).Return().Maybe()
	st.On("Decr", mock.Anything).Return().Maybe()
	return st
}

func newTestEnv(t *testing.T, st *stats.MockStatsUpdater) *testEnv {
	t.Helper()

	if st == nil {
		st = permissiveStats()
	}

	logger := testutil.TestLogger(t)
	clk := clock.NewMock()
	clk.Set(testNow)
	db := new(database.MockMessageRepository)
	b := broker.NewLocal(logger)

	cs, err := NewChatServer(logger, db, b, st, clk)
	require.NoError(t, err)

	return &testEnv{cs: cs, db: db, broker: b, clock: clk}
}

func (e *testEnv) run(t *testing.T) {
	t.Helper()

	go e.cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, e.cs.Shutdown(ctx))
	})
}

func (e *testEnv) newClient(t *testing.T, userId int) *Client {
	return NewClient(userId, nil, e.cs, testutil.TestLogger(t))
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()

	env, err := types.NewEnvelope(event, data)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	return raw
}

func join(t *testing.T, c *Client, projectId string) {
	t.Helper()

	c.handleFrame(frame(t, types.EventJoinProject, projectId))
	require.NotNil(t, c.getRoom(projectId), "expected client to be a member of %s", projectId)
}

func recv(t *testing.T, c *Client) *types.Envelope {
	t.Helper()

	select {
	case env := <-c.send:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()

	select {
	case env := <-c.send:
		t.Fatalf("unexpected %s frame: %s", env.Event, env.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func decodeError(t *testing.T, env *types.Envelope) types.ErrorPayload {
	t.Helper()

	require.Equal(t, types.EventError, env.Event)
	var payload types.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))

	return payload
}
