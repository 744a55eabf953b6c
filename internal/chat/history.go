package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/npezzotti/go-projectchat/internal/types"
)

const DefaultHistoryLimit = 30

// HistoryFetcher loads persisted messages for a project.
type HistoryFetcher interface {
	Fetch(ctx context.Context, projectId string, limit, offset int) ([]types.ChatMessage, error)
}

// HistoryClient reads message history from the gateway's REST endpoint.
type HistoryClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func (h *HistoryClient) Fetch(ctx context.Context, projectId string, limit, offset int) ([]types.ChatMessage, error) {
	q := url.Values{}
	q.Set("project_id", projectId)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	endpoint := strings.TrimRight(h.BaseURL, "/") + "/api/messages?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get messages: unexpected status %d", resp.StatusCode)
	}

	var body types.HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	msgs := make([]types.ChatMessage, 0, len(body.Messages))
	for _, w := range body.Messages {
		msgs = append(msgs, w.Normalize())
	}

	return msgs, nil
}
