package helpers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xiaot623/sentinel/internal/agents"
	"github.com/xiaot623/sentinel/internal/domain"
)

// FakeAgent is a scripted pool member.
type FakeAgent struct {
	AgentName agents.Name
	Caps      []agents.Capability
	Fn        func(ctx context.Context, capability agents.Capability, ictx domain.IncidentContext) (json.RawMessage, error)
}

func (a *FakeAgent) Name() agents.Name { return a.AgentName }

func (a *FakeAgent) Capabilities() []agents.Capability { return a.Caps }

func (a *FakeAgent) Invoke(ctx context.Context, capability agents.Capability, ictx domain.IncidentContext) (json.RawMessage, error) {
	return a.Fn(ctx, capability, ictx)
}

// NewTestPool builds the rule-based agents with no simulated delay and a
// deploy that always succeeds, replacing any agent named in overrides.
func NewTestPool(t *testing.T, overrides ...agents.Agent) *agents.Pool {
	t.Helper()

	members := map[agents.Name]agents.Agent{
		agents.Monitor:    agents.NewMonitor(0),
		agents.Diagnostic: agents.NewDiagnostic(0),
		agents.Fixer:      agents.NewFixer(0, "https://git.example.test"),
		agents.Deploy:     agents.NewDeploy(0, 1.0),
	}
	for _, o := range overrides {
		members[o.Name()] = o
	}
	list := make([]agents.Agent, 0, len(members))
	for _, n := range agents.All {
		list = append(list, members[n])
	}

	pool, err := agents.NewPool(5*time.Second, list...)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	return pool
}

// DiagnosticWithConfidence answers analyze_incident with a fixed confidence.
func DiagnosticWithConfidence(confidence float64) *FakeAgent {
	return &FakeAgent{
		AgentName: agents.Diagnostic,
		Caps:      []agents.Capability{agents.CapAnalyzeIncident},
		Fn: func(_ context.Context, _ agents.Capability, ictx domain.IncidentContext) (json.RawMessage, error) {
			return json.Marshal(domain.Diagnosis{
				RootCause:         "connection pool exhausted",
				Confidence:        confidence,
				AffectedServices:  []string{ictx.Service},
				RecommendedAction: "raise pool size",
				ErrorPattern:      "connection_pool_exhausted",
			})
		},
	}
}
