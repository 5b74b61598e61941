package agents

import (
	"maps"

	"github.com/xiaot623/sentinel/internal/domain"
)

// Scenario is a canned anomaly used to simulate monitor detections.
type Scenario struct {
	Type          string
	Title         string
	Description   string
	Severity      domain.Severity
	Service       string
	AffectedUsers int
	ErrorCount    int
	Metrics       map[string]any
}

// Request converts the scenario into an ingress payload.
func (s Scenario) Request() domain.CreateIncidentRequest {
	metrics := maps.Clone(s.Metrics)
	metrics["anomaly_type"] = s.Type
	return domain.CreateIncidentRequest{
		Title:         s.Title,
		Description:   s.Description,
		Severity:      s.Severity,
		Service:       s.Service,
		Environment:   "production",
		ErrorCount:    s.ErrorCount,
		AffectedUsers: s.AffectedUsers,
		Metrics:       metrics,
	}
}

// Scenarios are the built-in anomalies, ordered as the simulate endpoint indexes them.
var Scenarios = []Scenario{
	{
		Type:          "cpu_spike",
		Title:         "CPU Saturation - Payment Service",
		Description:   "CPU usage exceeding 97% threshold for 5 consecutive minutes. Request queue depth growing.",
		Severity:      domain.SeverityCritical,
		Service:       "payment-service",
		AffectedUsers: 1250,
		ErrorCount:    342,
		Metrics: map[string]any{
			"cpu_percent":    97.3,
			"memory_percent": 68.0,
			"error_rate":     0.12,
			"latency_p99_ms": 8200.0,
			"request_rate":   4850.0,
		},
	},
	{
		Type:          "memory_leak",
		Title:         "Memory Leak - Auth Service Heap Growth",
		Description:   "Auth service heap growing unbounded at ~50MB/hour. OOMKill imminent in ~10 minutes.",
		Severity:      domain.SeverityHigh,
		Service:       "auth-service",
		AffectedUsers: 430,
		ErrorCount:    87,
		Metrics: map[string]any{
			"cpu_percent":    45.0,
			"memory_percent": 91.5,
			"error_rate":     0.08,
			"latency_p99_ms": 1200.0,
			"request_rate":   1200.0,
		},
	},
	{
		Type:          "high_error_rate",
		Title:         "Circuit Breaker Open - API Gateway 502 Spike",
		Description:   "API Gateway error rate spiked to 38% (threshold: 5%). Redis ECONNREFUSED cascading to all endpoints.",
		Severity:      domain.SeverityHigh,
		Service:       "api-gateway",
		AffectedUsers: 890,
		ErrorCount:    2341,
		Metrics: map[string]any{
			"cpu_percent":    62.0,
			"memory_percent": 55.0,
			"error_rate":     0.38,
			"latency_p99_ms": 5100.0,
			"request_rate":   3200.0,
		},
	},
	{
		Type:          "latency_spike",
		Title:         "P99 Latency 12s - Missing DB Index (Recommendations)",
		Description:   "P99 latency spiked from 180ms to 12.5s. PostgreSQL sequential scan on 12.4M-row table.",
		Severity:      domain.SeverityMedium,
		Service:       "recommendation-service",
		AffectedUsers: 320,
		ErrorCount:    45,
		Metrics: map[string]any{
			"cpu_percent":    78.0,
			"memory_percent": 70.0,
			"error_rate":     0.15,
			"latency_p99_ms": 12500.0,
			"request_rate":   950.0,
		},
	},
	{
		Type:          "connection_pool_exhausted",
		Title:         "DB Connection Pool Exhausted - User Service",
		Description:   "PostgreSQL connection pool at 100% capacity. Queries queuing, deadlock detected in payment processing.",
		Severity:      domain.SeverityHigh,
		Service:       "user-service",
		AffectedUsers: 890,
		ErrorCount:    156,
		Metrics: map[string]any{
			"cpu_percent":    55.0,
			"memory_percent": 80.0,
			"error_rate":     0.22,
			"latency_p99_ms": 6400.0,
			"request_rate":   1100.0,
		},
	},
	{
		Type:          "k8s_crashloop",
		Title:         "CrashLoopBackOff - API Gateway OOMKilled (exit 137)",
		Description:   "API Gateway pod in CrashLoopBackOff. OOMKilled 8 times in 20 minutes. Memory limit 512Mi insufficient.",
		Severity:      domain.SeverityCritical,
		Service:       "api-gateway",
		AffectedUsers: 3200,
		ErrorCount:    890,
		Metrics: map[string]any{
			"cpu_percent":    42.0,
			"memory_percent": 99.8,
			"error_rate":     0.45,
			"latency_p99_ms": 15000.0,
			"request_rate":   2100.0,
		},
	},
	{
		Type:          "noisy_signal",
		Title:         "Intermittent Latency Blips - Notification Service",
		Description:   "Sporadic p99 latency blips with no correlated error spike or resource pressure.",
		Severity:      domain.SeverityLow,
		Service:       "notification-service",
		AffectedUsers: 40,
		ErrorCount:    6,
		Metrics: map[string]any{
			"cpu_percent":    35.0,
			"memory_percent": 52.0,
			"error_rate":     0.02,
			"latency_p99_ms": 2400.0,
			"request_rate":   600.0,
		},
	},
}

// ScenarioAt returns the scenario at idx, wrapping around the list.
func ScenarioAt(idx int) Scenario {
	n := len(Scenarios)
	return Scenarios[((idx%n)+n)%n]
}
