package domain

import "time"

// AgentState is the observable occupancy of one agent identity.
type AgentState struct {
	Name             string      `json:"name"`
	Status           AgentStatus `json:"status"`
	LastAction       string      `json:"last_action,omitempty"`
	LastActionAt     *time.Time  `json:"last_action_at,omitempty"`
	CurrentIncident  string      `json:"current_incident,omitempty"`
	IncidentsHandled int         `json:"incidents_handled"`
}

// ToolInfo describes one entry in the tool catalog.
type ToolInfo struct {
	Name        string   `json:"name"`
	Agent       string   `json:"agent"`
	Capability  string   `json:"capability"`
	Description string   `json:"description"`
	Params      []string `json:"params,omitempty"`
}

// AgentInfo combines an agent's state with the tools it serves.
type AgentInfo struct {
	AgentState
	Tools []ToolInfo `json:"tools"`
}
