package domain

import "encoding/json"

// CreateIncidentRequest is the ingress payload for a new incident.
type CreateIncidentRequest struct {
	Title         string         `json:"title" validate:"required,max=200"`
	Description   string         `json:"description" validate:"max=2000"`
	Severity      Severity       `json:"severity" validate:"required,oneof=low medium high critical"`
	Service       string         `json:"service" validate:"required,max=100"`
	Environment   string         `json:"environment" validate:"omitempty,max=50"`
	ErrorCount    int            `json:"error_count" validate:"gte=0"`
	AffectedUsers int            `json:"affected_users" validate:"gte=0"`
	Metrics       map[string]any `json:"metrics"`
}

// ToolInvokeRequest is the payload of a manual tool invocation.
type ToolInvokeRequest struct {
	FromAgent string          `json:"from_agent" validate:"omitempty,oneof=external monitor diagnostic fixer deploy"`
	Params    json.RawMessage `json:"params"`
}

// ReplayRequest is the optional body of a call replay. Confirm is merged into
// the replayed params so guarded tools can be re-issued.
type ReplayRequest struct {
	Confirm bool `json:"confirm"`
}

// IncidentListResponse wraps a list of incidents.
type IncidentListResponse struct {
	Incidents []*Incident `json:"incidents"`
	Total     int         `json:"total"`
}

// CallLogResponse wraps a call log page.
type CallLogResponse struct {
	Calls []*CallRecord `json:"calls"`
	Total int           `json:"total"`
}

// ClearResponse reports what a clear removed.
type ClearResponse struct {
	IncidentsCleared int `json:"incidents_cleared"`
	CallsCleared     int `json:"calls_cleared"`
}
