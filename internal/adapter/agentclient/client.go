// Package agentclient calls agents served out of process. A remote agent
// answers POST {endpoint}/invoke with an SSE stream of progress events that
// ends in exactly one result or error event.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaot623/sentinel/internal/domain"
)

// SSE event names a remote agent may emit.
const (
	EventProgress = "progress"
	EventResult   = "result"
	EventError    = "error"
	EventDone     = "done"
)

// ErrNoResult is returned when the stream ends without a result or error event.
var ErrNoResult = errors.New("agent stream ended without a result")

// InvokeRequest is the body posted to a remote agent.
type InvokeRequest struct {
	CallID     string                 `json:"call_id,omitempty"`
	Agent      string                 `json:"agent"`
	Capability string                 `json:"capability"`
	Incident   domain.IncidentContext `json:"incident"`
}

// RemoteError is an error event reported by the agent itself.
type RemoteError struct {
	Agent   string `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agent %s: %s (%s)", e.Agent, e.Message, e.Code)
	}
	return fmt.Sprintf("agent %s: %s", e.Agent, e.Message)
}

// ProgressFunc receives progress event payloads while a call is running.
type ProgressFunc func(data string)

// Client invokes remote agents.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a client. Calls are bounded by the caller's context; the
// transport timeout only guards against connections that never answer.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Invoke runs one capability on the agent at endpoint and returns the JSON
// payload of its result event.
func (c *Client) Invoke(ctx context.Context, endpoint string, req InvokeRequest, onProgress ProgressFunc) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.Incident.IncidentID != "" {
		httpReq.Header.Set("X-Incident-ID", req.Incident.IncidentID)
	}
	if req.CallID != "" {
		httpReq.Header.Set("X-Call-ID", req.CallID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach agent %s: %w", req.Agent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent %s returned status %d: %s", req.Agent, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	dec := newDecoder(resp.Body)
	for {
		evt, err := dec.next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("agent %s: %w", req.Agent, ErrNoResult)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read agent stream: %w", err)
		}

		switch evt.name {
		case EventProgress:
			if onProgress != nil {
				onProgress(evt.data)
			}
		case EventResult:
			if !json.Valid([]byte(evt.data)) {
				return nil, fmt.Errorf("agent %s returned invalid JSON result", req.Agent)
			}
			return json.RawMessage(evt.data), nil
		case EventError:
			remote := &RemoteError{Agent: req.Agent}
			if json.Unmarshal([]byte(evt.data), remote) != nil || remote.Message == "" {
				remote.Message = evt.data
			}
			return nil, remote
		case EventDone:
			return nil, fmt.Errorf("agent %s: %w", req.Agent, ErrNoResult)
		}
	}
}

type sseEvent struct {
	name string
	data string
}

// decoder reads SSE frames one at a time. Comment lines and unknown fields
// are ignored; multiple data lines are joined with newlines.
type decoder struct {
	scanner *bufio.Scanner
}

func newDecoder(r io.Reader) *decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &decoder{scanner: s}
}

func (d *decoder) next() (sseEvent, error) {
	var evt sseEvent
	var data []string
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" {
			if evt.name == "" && len(data) == 0 {
				continue
			}
			evt.data = strings.Join(data, "\n")
			return evt, nil
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			evt.name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := d.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if evt.name != "" || len(data) > 0 {
		evt.data = strings.Join(data, "\n")
		return evt, nil
	}
	return sseEvent{}, io.EOF
}
