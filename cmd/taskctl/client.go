package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/taskagent/internal/domain"
)

// Client talks to the task agent HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Step runs one agent turn.
func (c *Client) Step(ctx context.Context, req domain.StepRequest) (*domain.StepResponse, error) {
	var resp domain.StepResponse
	if err := c.do(ctx, http.MethodPost, "/v1/agent/step", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Undo redeems an undo token. Failed redemptions are returned in the response.
func (c *Client) Undo(ctx context.Context, token string) (*domain.UndoResponse, error) {
	var resp domain.UndoResponse
	err := c.do(ctx, http.MethodPost, "/v1/agent/undo", domain.UndoRequest{UndoToken: token}, &resp)
	if err != nil && resp.Error == nil {
		return nil, err
	}
	return &resp, nil
}

// Events returns the recorded events of a run.
func (c *Client) Events(ctx context.Context, runID string) ([]domain.Event, error) {
	var resp struct {
		Events []domain.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/events", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// do sends a JSON request. The body of an error response is still decoded into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if out != nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, out)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var env struct {
		Error *domain.ErrorBody `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error != nil {
		apiErr.Kind, apiErr.Message = env.Error.Kind, env.Error.Message
	}
	return apiErr
}

// Watch streams the events of a session to fn until ctx ends or the server closes the feed.
func (c *Client) Watch(ctx context.Context, sessionID string, fn func(domain.AgentEvent)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/sessions/" + url.PathEscape(sessionID) + "/feed"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var ev domain.AgentEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		fn(ev)
	}
}
