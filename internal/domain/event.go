package domain

import (
	"encoding/json"
	"time"
)

// Event is the envelope pushed to observers and journaled.
type Event struct {
	Seq        int64           `json:"seq,omitempty"`
	EventType  EventType       `json:"event_type"`
	Agent      string          `json:"agent,omitempty"`
	IncidentID string          `json:"incident_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
}

// NewEvent marshals data into an envelope stamped with now.
func NewEvent(eventType EventType, agent, incidentID string, data any, now time.Time) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventType:  eventType,
		Agent:      agent,
		IncidentID: incidentID,
		Timestamp:  now,
		Data:       raw,
	}, nil
}

// StateTransitionData is the payload of a state_transition event.
type StateTransitionData struct {
	OldStatus IncidentStatus `json:"old_status"`
	NewStatus IncidentStatus `json:"new_status"`
	Message   string         `json:"message"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Incident  *Incident      `json:"incident"`
}

// AgentActivityData is the payload of an agent_activity event.
type AgentActivityData struct {
	Agent     string      `json:"agent"`
	Status    AgentStatus `json:"status"`
	Action    string      `json:"action"`
	Details   string      `json:"details,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PlanStepUpdateData is the payload of a plan_step_update event.
type PlanStepUpdateData struct {
	PlanID string    `json:"plan_id"`
	Step   *PlanStep `json:"step"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Error     string `json:"error"`
	Step      int    `json:"step,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}
