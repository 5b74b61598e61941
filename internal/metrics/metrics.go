// Package metrics provides Prometheus metrics definitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sentinel"

var (
	// IncidentsCreated counts accepted incidents by severity.
	IncidentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "created_total",
			Help:      "Total number of incidents created",
		},
		[]string{"severity"},
	)

	// IncidentsFinished counts incidents reaching a terminal status.
	IncidentsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "finished_total",
			Help:      "Total number of incidents that reached a terminal status, by outcome",
		},
		[]string{"status", "outcome"},
	)

	// IncidentsActive tracks incidents whose run has not finished.
	IncidentsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "active",
			Help:      "Number of incidents currently being remediated",
		},
	)

	// StateTransitions counts incident status transitions.
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "transitions_total",
			Help:      "Total number of incident state transitions",
		},
		[]string{"from", "to"},
	)

	// GateDecisions counts confidence gate outcomes.
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "planner",
			Name:      "gate_decisions_total",
			Help:      "Total number of confidence gate decisions",
		},
		[]string{"decision"},
	)

	// Replans counts plan regenerations.
	Replans = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "planner",
			Name:      "replans_total",
			Help:      "Total number of plan regenerations",
		},
	)

	// CallDuration tracks call bus latency per tool.
	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "callbus",
			Name:      "call_duration_seconds",
			Help:      "Agent call duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tool", "status"},
	)

	// CallsAgedOut counts in-flight calls evicted before their response arrived.
	CallsAgedOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callbus",
			Name:      "calls_aged_out_total",
			Help:      "Total number of in-flight calls evicted without a response",
		},
	)

	// HubObservers tracks subscribed observers.
	HubObservers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "observers",
			Help:      "Number of subscribed observers",
		},
	)

	// HubDroppedObservers counts observers dropped for a full buffer.
	HubDroppedObservers = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_observers_total",
			Help:      "Total number of observers dropped because their buffer was full",
		},
	)

	// HubEvents counts published events by type.
	HubEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "events_total",
			Help:      "Total number of events published",
		},
		[]string{"event_type"},
	)

	// AgentStatus exposes each agent's status as a one-hot gauge.
	AgentStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "status",
			Help:      "Current agent status (1 for the active status)",
		},
		[]string{"agent", "status"},
	)
)
