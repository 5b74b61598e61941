// Package domain defines the core domain models for the incident orchestrator.
package domain

import "fmt"

// IncidentStatus represents the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentStatusDetected   IncidentStatus = "DETECTED"
	IncidentStatusDiagnosing IncidentStatus = "DIAGNOSING"
	IncidentStatusFixing     IncidentStatus = "FIXING"
	IncidentStatusDeploying  IncidentStatus = "DEPLOYING"
	IncidentStatusResolved   IncidentStatus = "RESOLVED"
	IncidentStatusRolledBack IncidentStatus = "ROLLED_BACK"
	IncidentStatusFailed     IncidentStatus = "FAILED"
)

// IsTerminal reports whether no further transition can leave the status.
func (s IncidentStatus) IsTerminal() bool {
	return s == IncidentStatusResolved ||
		s == IncidentStatusRolledBack ||
		s == IncidentStatusFailed
}

// Outcome distinguishes terminal results that share a status.
type Outcome string

const (
	OutcomeResolved   Outcome = "resolved"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeEscalated  Outcome = "escalated"
	OutcomeFailed     Outcome = "failed"
)

// Severity is an ordered incident severity.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal of the severity, or -1 when unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// AtLeast reports whether s is at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity validates a severity string.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(v)
	if s.Rank() < 0 {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// PlanStatus represents the status of an execution plan.
type PlanStatus string

const (
	PlanStatusPlanning  PlanStatus = "planning"
	PlanStatusExecuting PlanStatus = "executing"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusEscalated PlanStatus = "escalated"
	PlanStatusFailed    PlanStatus = "failed"
	PlanStatusReplanned PlanStatus = "replanned"
)

// IsTerminal reports whether the plan can no longer advance.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusEscalated || s == PlanStatusFailed
}

// StepStatus represents the status of a plan step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// CallStatus represents the status of a call bus record.
type CallStatus string

const (
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusSuccess    CallStatus = "success"
	CallStatusError      CallStatus = "error"
)

// AgentStatus represents the observable occupancy of an agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusDone    AgentStatus = "done"
	AgentStatusError   AgentStatus = "error"
)

// EventType represents the type of a broadcast event.
type EventType string

const (
	EventTypeStateTransition EventType = "state_transition"
	EventTypeAgentActivity   EventType = "agent_activity"
	EventTypeMCPCall         EventType = "mcp_call"
	EventTypeMCPResponse     EventType = "mcp_response"
	EventTypePlanCreated     EventType = "plan_created"
	EventTypePlanStepUpdate  EventType = "plan_step_update"
	EventTypeError           EventType = "error"

	// Connection-level messages, never journaled.
	EventTypeConnected EventType = "connected"
	EventTypePong      EventType = "pong"
)

// TimelineLevel is the display level of a timeline entry.
type TimelineLevel string

const (
	TimelineInfo    TimelineLevel = "info"
	TimelineSuccess TimelineLevel = "success"
	TimelineWarning TimelineLevel = "warning"
	TimelineError   TimelineLevel = "error"
)
