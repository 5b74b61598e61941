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

	"github.com/xiaot623/sentinel/internal/domain"
)

// Client talks to the orchestrator's REST API and event stream.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the orchestrator at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is the error body every handler renders.
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Simulate creates an incident from a scenario; scenario < 0 picks one at random.
func (c *Client) Simulate(ctx context.Context, scenario int) (*domain.Incident, error) {
	path := "/v1/incidents/simulate"
	if scenario >= 0 {
		path += fmt.Sprintf("?scenario=%d", scenario)
	}
	var inc domain.Incident
	if err := c.do(ctx, http.MethodPost, path, nil, &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

// Incidents lists incidents, newest first.
func (c *Client) Incidents(ctx context.Context) (*domain.IncidentListResponse, error) {
	var resp domain.IncidentListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/incidents", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Abandon stops an incident's run.
func (c *Client) Abandon(ctx context.Context, incidentID string) (*domain.Incident, error) {
	var inc domain.Incident
	if err := c.do(ctx, http.MethodPost, "/v1/incidents/"+url.PathEscape(incidentID)+"/abandon", nil, &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

// Invoke calls a tool manually.
func (c *Client) Invoke(ctx context.Context, tool string, req domain.ToolInvokeRequest) (*domain.CallRecord, error) {
	var rec domain.CallRecord
	if err := c.do(ctx, http.MethodPost, "/v1/tools/"+url.PathEscape(tool)+"/invoke", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Calls lists the most recent calls.
func (c *Client) Calls(ctx context.Context, limit int) (*domain.CallLogResponse, error) {
	var resp domain.CallLogResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/calls?limit=%d", limit), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Watch connects to the WebSocket stream and hands every event to fn until
// ctx is done or the server closes the connection.
func (c *Client) Watch(ctx context.Context, incidentID string, fn func(domain.Event)) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	if incidentID != "" {
		u.RawQuery = url.Values{"incident_id": {incidentID}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var evt domain.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		fn(evt)
	}
}
