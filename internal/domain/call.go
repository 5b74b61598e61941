package domain

import (
	"encoding/json"
	"slices"
	"time"
)

// CallRecord is one agent-to-agent invocation recorded by the call bus.
type CallRecord struct {
	CallID      string          `json:"call_id"`
	IncidentID  string          `json:"incident_id,omitempty"`
	FromAgent   string          `json:"from_agent"`
	ToAgent     string          `json:"to_agent"`
	ToolName    string          `json:"tool_name"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      CallStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ElapsedMs   int64           `json:"elapsed_ms"`
}

// Succeeded reports whether the call resolved successfully.
func (c *CallRecord) Succeeded() bool {
	return c.Status == CallStatusSuccess
}

// Clone returns a copy of the record.
func (c *CallRecord) Clone() *CallRecord {
	if c == nil {
		return nil
	}
	r := *c
	r.Params = slices.Clone(c.Params)
	r.Result = slices.Clone(c.Result)
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		r.CompletedAt = &t
	}
	return &r
}

// CallFilter narrows a call log query.
type CallFilter struct {
	IncidentID string
	Limit      int
	// Ascending returns oldest first; the default is newest first.
	Ascending bool
}
