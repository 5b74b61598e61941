package agents

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"github.com/xiaot623/sentinel/internal/domain"
)

// MonitorAgent samples service metrics and checks health.
type MonitorAgent struct {
	delay time.Duration
	now   func() time.Time
}

// NewMonitor creates a rule-based Monitor agent.
func NewMonitor(delay time.Duration) *MonitorAgent {
	return &MonitorAgent{delay: delay, now: time.Now}
}

func (a *MonitorAgent) Name() Name { return Monitor }

func (a *MonitorAgent) Capabilities() []Capability {
	return []Capability{CapGetMetrics, CapCheckHealth}
}

func (a *MonitorAgent) Invoke(ctx context.Context, capability Capability, ictx domain.IncidentContext) (json.RawMessage, error) {
	if err := pause(ctx, a.delay); err != nil {
		return nil, err
	}
	switch capability {
	case CapGetMetrics:
		return json.Marshal(a.sample(ictx))
	case CapCheckHealth:
		return json.Marshal(a.checkHealth(ictx))
	}
	return nil, unsupported(Monitor, capability)
}

func (a *MonitorAgent) sample(ictx domain.IncidentContext) map[string]any {
	metrics := maps.Clone(ictx.Metrics)
	if len(metrics) == 0 {
		metrics = baselineFor(ictx.Service)
	}
	metrics["service"] = ictx.Service
	metrics["sampled_at"] = a.now().UTC().Format(time.RFC3339)
	return metrics
}

// checkHealth reports the service healthy unless the post-rollout error rate is
// above the SLO.
func (a *MonitorAgent) checkHealth(ictx domain.IncidentContext) domain.HealthReport {
	report := domain.HealthReport{Service: ictx.Service, Healthy: true, Status: "healthy"}
	if metricValue(ictx.Metrics, "post_deploy_error_rate") > 0.05 {
		report.Healthy = false
		report.Status = "error rate above SLO after rollout"
	}
	return report
}

func baselineFor(service string) map[string]any {
	for _, s := range Scenarios {
		if s.Service == service {
			return maps.Clone(s.Metrics)
		}
	}
	return map[string]any{
		"cpu_percent":    30.0,
		"memory_percent": 45.0,
		"error_rate":     0.01,
		"latency_p99_ms": 250.0,
		"request_rate":   500.0,
	}
}
