package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-projectchat/internal/server"
	"github.com/npezzotti/go-projectchat/internal/types"
)

const (
	defaultHistoryLimit = 30
	maxHistoryLimit     = 100
	healthTimeout       = 2 * time.Second
)

func (s *ProjectChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *ProjectChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		s.log.Error().Err(errResp.Err).Int("status", errResp.StatusCode).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func intParam(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *ProjectChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	projectId := r.URL.Query().Get("project_id")
	if projectId == "" {
		s.writeError(w, NewBadRequestError("project_id is required"))
		return
	}

	limit, ok := intParam(r, "limit", defaultHistoryLimit)
	if !ok || limit < 1 || limit > maxHistoryLimit {
		s.writeError(w, NewBadRequestError("limit must be between 1 and 100"))
		return
	}

	offset, ok := intParam(r, "offset", 0)
	if !ok || offset < 0 {
		s.writeError(w, NewBadRequestError("offset must not be negative"))
		return
	}

	messages, err := s.db.GetMessages(r.Context(), projectId, limit, offset)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	resp := types.HistoryResponse{Messages: make([]types.WireMessage, 0, len(messages))}
	for _, m := range messages {
		createdAt := m.CreatedAt.UTC()
		resp.Messages = append(resp.Messages, types.WireMessage{
			Id:          m.Id,
			ProjectId:   m.ProjectId,
			Sender:      m.Sender,
			Message:     m.Content,
			MessageType: types.MessageType(m.MessageType),
			CreatedAt:   &createdAt,
		})
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *ProjectChatApp) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.writeError(w, NewServiceUnavailableError(err))
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *ProjectChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients send no origin
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(userId, conn, s.cs, s.log)
	if !s.cs.RegisterClient(client) {
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
