// Package agents defines the four fixed remediation agents and the shared
// table that tracks their occupancy.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/sentinel/internal/domain"
)

// Name identifies an agent. The set is closed.
type Name string

const (
	Monitor    Name = "monitor"
	Diagnostic Name = "diagnostic"
	Fixer      Name = "fixer"
	Deploy     Name = "deploy"

	// Orchestrator is a caller identity only; it is not a pool member.
	Orchestrator Name = "orchestrator"
	// External marks calls made outside any incident, such as manual invocations.
	External Name = "external"
)

// All lists the pool members in pipeline order.
var All = []Name{Monitor, Diagnostic, Fixer, Deploy}

// Valid reports whether n is one of the four pool members.
func (n Name) Valid() bool {
	switch n {
	case Monitor, Diagnostic, Fixer, Deploy:
		return true
	}
	return false
}

// ParseName validates an agent name.
func ParseName(v string) (Name, error) {
	n := Name(v)
	if !n.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, v)
	}
	return n, nil
}

// Capability is the second half of a tool name.
type Capability string

const (
	CapGetMetrics        Capability = "get_metrics"
	CapCheckHealth       Capability = "check_health"
	CapAnalyzeIncident   Capability = "analyze_incident"
	CapGeneratePatch     Capability = "generate_patch"
	CapValidateFix       Capability = "validate_fix"
	CapExecuteDeployment Capability = "execute_deployment"
	CapRollback          Capability = "rollback"
)

var (
	// ErrUnknownAgent is returned for a name outside the pool.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrUnsupportedCapability is returned when an agent does not serve a capability.
	ErrUnsupportedCapability = errors.New("unsupported capability")
	// ErrMissingInput is returned when the incident context lacks what a capability needs.
	ErrMissingInput = errors.New("missing input")
)

// Agent is the single entry point every pool member exposes.
type Agent interface {
	Name() Name
	Capabilities() []Capability
	Invoke(ctx context.Context, capability Capability, ictx domain.IncidentContext) (json.RawMessage, error)
}

func unsupported(name Name, capability Capability) error {
	return fmt.Errorf("%w: %s.%s", ErrUnsupportedCapability, name, capability)
}

// pause simulates work while honoring cancellation.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// metricValue reads a numeric metric regardless of how it was decoded.
func metricValue(metrics map[string]any, key string) float64 {
	switch v := metrics[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}
