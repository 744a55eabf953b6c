package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryClient_Fetch(t *testing.T) {
	var gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages", r.URL.Path)
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages":[
			{"id":"1","projectId":"p1","sender":"bob","message":"hi","messageType":"text","created_at":"2024-05-01T12:00:00Z"},
			{"id":"2","projectId":"p1","sender":"bob","message":"Status updated","messageType":"status-update","created_at":"2024-05-01T12:00:05Z"},
			{"id":"3","projectId":"p1","sender":"carol","message":"no type","created_at":"2024-05-01T12:00:09Z"}
		]}`))
	}))
	defer srv.Close()

	hc := &HistoryClient{BaseURL: srv.URL + "/", Token: "tok"}
	msgs, err := hc.Fetch(context.Background(), "p1", 30, 0)
	require.NoError(t, err)

	assert.Equal(t, "limit=30&offset=0&project_id=p1", gotQuery)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, []string{"1", "2", "3"}, messageIds(msgs))
	assert.Equal(t, "status-update", string(msgs[1].MessageType))
	assert.Equal(t, "text", string(msgs[2].MessageType), "expected missing type to default to text")
	assert.Equal(t, 5, msgs[1].SentAt.Second())
}

func TestHistoryClient_Errors(t *testing.T) {
	tcases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", http.StatusUnauthorized)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"messages":`))
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			hc := &HistoryClient{BaseURL: srv.URL}
			msgs, err := hc.Fetch(context.Background(), "p1", 30, 0)

			assert.Error(t, err)
			assert.Nil(t, msgs)
		})
	}
}

func TestHistoryClient_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hc := &HistoryClient{BaseURL: srv.URL}
	_, err := hc.Fetch(ctx, "p1", 30, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
