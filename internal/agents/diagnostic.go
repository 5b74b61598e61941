package agents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xiaot623/sentinel/internal/domain"
)

// DiagnosticAgent infers a root cause from the metric snapshot.
type DiagnosticAgent struct {
	delay time.Duration
}

// NewDiagnostic creates a rule-based Diagnostic agent.
func NewDiagnostic(delay time.Duration) *DiagnosticAgent {
	return &DiagnosticAgent{delay: delay}
}

func (a *DiagnosticAgent) Name() Name { return Diagnostic }

func (a *DiagnosticAgent) Capabilities() []Capability {
	return []Capability{CapAnalyzeIncident}
}

func (a *DiagnosticAgent) Invoke(ctx context.Context, capability Capability, ictx domain.IncidentContext) (json.RawMessage, error) {
	if capability != CapAnalyzeIncident {
		return nil, unsupported(Diagnostic, capability)
	}
	if err := pause(ctx, a.delay); err != nil {
		return nil, err
	}
	return json.Marshal(Diagnose(ictx))
}

type diagnosisRule struct {
	match      func(m map[string]any) bool
	pattern    string
	rootCause  string
	action     string
	confidence float64
}

// Rules are evaluated in order; the first match wins.
var diagnosisRules = []diagnosisRule{
	{
		match:      func(m map[string]any) bool { return metricValue(m, "memory_percent") >= 95 },
		pattern:    "k8s_crashloop",
		rootCause:  "Container memory limit is below the working set; pods are OOMKilled and stuck in CrashLoopBackOff",
		action:     "Raise the memory limit and request to match the observed working set",
		confidence: 0.91,
	},
	{
		match:      func(m map[string]any) bool { return metricValue(m, "cpu_percent") >= 90 },
		pattern:    "cpu_spike",
		rootCause:  "N+1 query pattern in order processing saturates CPU and the DB query budget",
		action:     "Batch the per-item ORM queries with eager loading",
		confidence: 0.87,
	},
	{
		match:      func(m map[string]any) bool { return metricValue(m, "memory_percent") >= 85 },
		pattern:    "memory_leak",
		rootCause:  "Event listeners registered per session are never removed, retaining session objects on the heap",
		action:     "Remove listeners on disconnect and cap listener count",
		confidence: 0.82,
	},
	{
		match:      func(m map[string]any) bool { return metricValue(m, "error_rate") >= 0.3 },
		pattern:    "high_error_rate",
		rootCause:  "Cache dependency refuses connections and the circuit breaker opens with no fallback route",
		action:     "Add a degraded-mode fallback and restore cache authentication",
		confidence: 0.78,
	},
	{
		match:      func(m map[string]any) bool { return metricValue(m, "latency_p99_ms") >= 10000 },
		pattern:    "latency_spike",
		rootCause:  "Sequential scan on an unindexed user_id column of a 12M-row table",
		action:     "Create a concurrent index on the filtered column",
		confidence: 0.74,
	},
	{
		match:      func(m map[string]any) bool { return metricValue(m, "error_rate") >= 0.2 },
		pattern:    "connection_pool_exhausted",
		rootCause:  "Long-held transactions exhaust the database connection pool",
		action:     "Shorten transaction scope and raise pool size with an acquire timeout",
		confidence: 0.72,
	},
}

// Diagnose applies the rule table to an incident context.
func Diagnose(ictx domain.IncidentContext) domain.Diagnosis {
	affected := []string{}
	if ictx.Service != "" {
		affected = append(affected, ictx.Service)
	}
	for _, r := range diagnosisRules {
		if r.match(ictx.Metrics) {
			return domain.Diagnosis{
				RootCause:         r.rootCause,
				Confidence:        r.confidence,
				AffectedServices:  affected,
				RecommendedAction: r.action,
				ErrorPattern:      r.pattern,
				Severity:          ictx.Severity,
			}
		}
	}
	return domain.Diagnosis{
		RootCause:         "Root cause undetermined; manual investigation required",
		Confidence:        0.40,
		AffectedServices:  affected,
		RecommendedAction: "Escalate to on-call engineer",
		ErrorPattern:      "unknown",
		Severity:          ictx.Severity,
	}
}
