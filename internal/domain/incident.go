package domain

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Incident is the unit of work tracked from detection to a terminal status.
type Incident struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Severity        Severity          `json:"severity"`
	Service         string            `json:"service"`
	Environment     string            `json:"environment,omitempty"`
	Status          IncidentStatus    `json:"status"`
	Outcome         Outcome           `json:"outcome,omitempty"`
	Abandoned       bool              `json:"abandoned,omitempty"`
	DetectedAt      time.Time         `json:"detected_at"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	ErrorCount      int               `json:"error_count"`
	AffectedUsers   int               `json:"affected_users"`
	MetricsSnapshot map[string]any    `json:"metrics_snapshot,omitempty"`
	Diagnosis       *Diagnosis        `json:"diagnosis,omitempty"`
	Fix             *Fix              `json:"fix,omitempty"`
	Deployment      *DeploymentResult `json:"deployment,omitempty"`
	Timeline        []TimelineEntry   `json:"timeline"`
	AgentsInvolved  []string          `json:"agents_involved"`
}

// Diagnosis is the Diagnostic agent's root-cause result.
type Diagnosis struct {
	RootCause         string   `json:"root_cause"`
	Confidence        float64  `json:"confidence"`
	AffectedServices  []string `json:"affected_services"`
	RecommendedAction string   `json:"recommended_action"`
	ErrorPattern      string   `json:"error_pattern,omitempty"`
	Severity          Severity `json:"severity,omitempty"`
}

// Fix describes a generated patch.
type Fix struct {
	FixID               string `json:"fix_id"`
	Description         string `json:"description"`
	FilePath            string `json:"file_path"`
	Diff                string `json:"diff,omitempty"`
	ChangeRequestURL    string `json:"change_request_url,omitempty"`
	ChangeRequestNumber int    `json:"change_request_number,omitempty"`
}

// FixValidation is the result of fixer.validate_fix.
type FixValidation struct {
	Valid  bool   `json:"valid"`
	Risk   string `json:"risk"`
	Reason string `json:"reason,omitempty"`
}

// DeploymentResult is the Deploy agent's structured report.
type DeploymentResult struct {
	Version         string  `json:"version"`
	ReplicasUpdated int     `json:"replicas_updated"`
	Healthy         bool    `json:"healthy"`
	Reason          string  `json:"reason,omitempty"`
	RolloutSeconds  float64 `json:"rollout_seconds"`
}

// HealthReport is the Monitor agent's health check result.
type HealthReport struct {
	Service string `json:"service"`
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
}

// TimelineEntry is one line of an incident's narrative.
type TimelineEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Agent     string        `json:"agent"`
	Action    string        `json:"action"`
	Details   string        `json:"details,omitempty"`
	Level     TimelineLevel `json:"level"`
}

// IncidentContext is what an agent receives alongside a capability name.
type IncidentContext struct {
	IncidentID  string          `json:"incident_id,omitempty"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Service     string          `json:"service,omitempty"`
	Severity    Severity        `json:"severity,omitempty"`
	Metrics     map[string]any  `json:"metrics,omitempty"`
	Diagnosis   *Diagnosis      `json:"diagnosis,omitempty"`
	Fix         *Fix            `json:"fix,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// Context builds the agent-facing view of the incident.
func (i *Incident) Context() IncidentContext {
	return IncidentContext{
		IncidentID:  i.ID,
		Title:       i.Title,
		Description: i.Description,
		Service:     i.Service,
		Severity:    i.Severity,
		Metrics:     maps.Clone(i.MetricsSnapshot),
		Diagnosis:   i.Diagnosis,
		Fix:         i.Fix,
	}
}

// AddTimeline appends a timeline entry.
func (i *Incident) AddTimeline(agent, action, details string, level TimelineLevel, at time.Time) {
	i.Timeline = append(i.Timeline, TimelineEntry{
		Timestamp: at,
		Agent:     agent,
		Action:    action,
		Details:   details,
		Level:     level,
	})
}

// Involve records an agent as a participant once.
func (i *Incident) Involve(agent string) {
	if !slices.Contains(i.AgentsInvolved, agent) {
		i.AgentsInvolved = append(i.AgentsInvolved, agent)
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	c.MetricsSnapshot = maps.Clone(i.MetricsSnapshot)
	c.Timeline = slices.Clone(i.Timeline)
	c.AgentsInvolved = slices.Clone(i.AgentsInvolved)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	if i.Diagnosis != nil {
		d := *i.Diagnosis
		d.AffectedServices = slices.Clone(i.Diagnosis.AffectedServices)
		c.Diagnosis = &d
	}
	if i.Fix != nil {
		f := *i.Fix
		c.Fix = &f
	}
	if i.Deployment != nil {
		d := *i.Deployment
		c.Deployment = &d
	}
	return &c
}
