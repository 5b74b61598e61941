package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaot623/sentinel/internal/agents"
	"github.com/xiaot623/sentinel/internal/domain"
	"github.com/xiaot623/sentinel/internal/metrics"
	"github.com/xiaot623/sentinel/internal/pkg/ctxlog"
)

var (
	ErrIncidentFinished = errors.New("incident already finished")
	ErrPlanNotFound     = errors.New("plan not built yet")
)

// run owns one incident and its plan. Readers get clones; only the run
// goroutine and abandon mutate. emitMu is taken before mu and held until the
// snapshot taken under mu is published, so observers see a run's events in
// mutation order.
type run struct {
	emitMu    sync.Mutex
	mu        sync.RWMutex
	incident  *domain.Incident
	plan      *domain.ExecutionPlan
	started   bool
	abandoned bool
}

func (r *run) snapshot() *domain.Incident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.incident.Clone()
}

// CreateIncident accepts a new incident. Incidents at or above the severity
// threshold start remediation immediately; the rest are held in DETECTED.
func (s *Service) CreateIncident(ctx context.Context, req domain.CreateIncidentRequest) (*domain.Incident, error) {
	severity, err := domain.ParseSeverity(string(req.Severity))
	if err != nil {
		return nil, err
	}
	if req.Title == "" || req.Service == "" {
		return nil, fmt.Errorf("title and service are required")
	}

	now := s.now()
	inc := &domain.Incident{
		ID:              "INC-" + strings.ToUpper(uuid.New().String()[:8]),
		Title:           req.Title,
		Description:     req.Description,
		Severity:        severity,
		Service:         req.Service,
		Environment:     req.Environment,
		Status:          domain.IncidentStatusDetected,
		DetectedAt:      now,
		ErrorCount:      req.ErrorCount,
		AffectedUsers:   req.AffectedUsers,
		MetricsSnapshot: maps.Clone(req.Metrics),
		Timeline:        []domain.TimelineEntry{},
		AgentsInvolved:  []string{},
	}
	if inc.Environment == "" {
		inc.Environment = "production"
	}
	inc.AddTimeline(string(agents.Monitor), "Incident detected", inc.Title, domain.TimelineWarning, now)
	inc.Involve(string(agents.Monitor))

	hold := !severity.AtLeast(s.config.SeverityThreshold)
	if hold {
		inc.AddTimeline(string(agents.Orchestrator), "Held for review",
			fmt.Sprintf("severity %s is below the %s threshold", severity, s.config.SeverityThreshold),
			domain.TimelineInfo, now)
	}

	r := &run{incident: inc}
	s.mu.Lock()
	s.runs[inc.ID] = r
	s.order = append(s.order, inc.ID)
	s.mu.Unlock()

	metrics.IncidentsCreated.WithLabelValues(string(severity)).Inc()
	ctxlog.FromContext(ctx).Info("incident created", "incident_id", inc.ID, "severity", severity, "service", inc.Service, "held", hold)

	snap := r.snapshot()
	s.recordEvent(ctx, domain.EventTypeStateTransition, string(agents.Monitor), inc.ID, domain.StateTransitionData{
		NewStatus: domain.IncidentStatusDetected,
		Message:   "incident detected",
		Incident:  snap,
	})

	if !hold {
		s.start(r)
	}
	return snap, nil
}

// SimulateIncident creates an incident from a built-in scenario. A nil index
// picks one at random.
func (s *Service) SimulateIncident(ctx context.Context, idx *int) (*domain.Incident, error) {
	i := rand.IntN(len(agents.Scenarios))
	if idx != nil {
		i = *idx
	}
	return s.CreateIncident(ctx, agents.ScenarioAt(i).Request())
}

// StartRemediation starts the run of a held incident.
func (s *Service) StartRemediation(ctx context.Context, incidentID string) (*domain.Incident, error) {
	r, err := s.lookup(incidentID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	switch {
	case r.started:
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyStarted, incidentID)
	case r.abandoned || r.incident.Status.IsTerminal():
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIncidentFinished, incidentID)
	}
	r.incident.AddTimeline(string(agents.Orchestrator), "Remediation requested", "started manually", domain.TimelineInfo, s.now())
	r.mu.Unlock()

	ctxlog.FromContext(ctx).Info("remediation started manually", "incident_id", incidentID)
	s.start(r)
	return r.snapshot(), nil
}

// start launches the run goroutine once.
func (s *Service) start(r *run) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	id := r.incident.ID
	r.mu.Unlock()

	ctx := ctxlog.WithLogger(context.Background(), s.logger.With("incident_id", id))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleIncident(ctx, r)
	}()
}

// AbandonIncident stops an incident's run from advancing. A call already
// dispatched completes and is logged, but no further transition happens.
func (s *Service) AbandonIncident(ctx context.Context, incidentID string) (*domain.Incident, error) {
	r, err := s.lookup(incidentID)
	if err != nil {
		return nil, err
	}
	if !s.abandon(ctx, r, "abandoned by operator") {
		return nil, fmt.Errorf("%w: %s", ErrIncidentFinished, incidentID)
	}
	return r.snapshot(), nil
}

func (s *Service) abandon(ctx context.Context, r *run, reason string) bool {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Lock()
	if r.abandoned || r.incident.Status.IsTerminal() {
		r.mu.Unlock()
		return false
	}
	now := s.now()
	r.abandoned = true
	r.incident.Abandoned = true
	r.incident.AddTimeline(string(agents.Orchestrator), "Incident abandoned", reason, domain.TimelineWarning, now)
	var skipped []*domain.PlanStep
	var planID string
	if r.plan != nil {
		planID = r.plan.PlanID
		for _, st := range r.plan.SkipPending("incident abandoned") {
			skipped = append(skipped, st.Clone())
		}
		r.plan.Finish(domain.PlanStatusFailed, now)
	}
	snap := r.incident.Clone()
	r.mu.Unlock()

	ctxlog.FromContext(ctx).Warn("incident abandoned", "incident_id", snap.ID, "reason", reason)
	for _, st := range skipped {
		s.recordEvent(ctx, domain.EventTypePlanStepUpdate, string(agents.Orchestrator), snap.ID, domain.PlanStepUpdateData{PlanID: planID, Step: st})
	}
	s.recordEvent(ctx, domain.EventTypeStateTransition, string(agents.Orchestrator), snap.ID, domain.StateTransitionData{
		OldStatus: snap.Status,
		NewStatus: snap.Status,
		Message:   reason,
		ElapsedMs: now.Sub(snap.DetectedAt).Milliseconds(),
		Incident:  snap,
	})
	return true
}

func (s *Service) lookup(incidentID string) (*run, error) {
	s.mu.RLock()
	r, ok := s.runs[incidentID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentID)
	}
	return r, nil
}

func (s *Service) snapshotRuns() []*run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*run, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.runs[id])
	}
	return out
}

// ListIncidents returns every incident, newest first.
func (s *Service) ListIncidents(ctx context.Context) []*domain.Incident {
	runs := s.snapshotRuns()
	out := make([]*domain.Incident, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i].snapshot())
	}
	return out
}

// GetIncident returns one incident.
func (s *Service) GetIncident(ctx context.Context, incidentID string) (*domain.Incident, error) {
	r, err := s.lookup(incidentID)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// GetPlan returns the execution plan of an incident.
func (s *Service) GetPlan(ctx context.Context, incidentID string) (*domain.ExecutionPlan, error) {
	r, err := s.lookup(incidentID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.plan == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, incidentID)
	}
	return r.plan.Clone(), nil
}

// Trace returns the calls made for an incident, oldest first.
func (s *Service) Trace(ctx context.Context, incidentID string) ([]*domain.CallRecord, error) {
	if _, err := s.lookup(incidentID); err != nil {
		return nil, err
	}
	return s.bus.Calls(ctx, domain.CallFilter{IncidentID: incidentID, Ascending: true})
}

// Clear abandons every run and drops all incidents, plans, calls and journaled
// events. Agents return to idle.
func (s *Service) Clear(ctx context.Context) (domain.ClearResponse, error) {
	runs := s.snapshotRuns()
	for _, r := range runs {
		s.abandon(ctx, r, "cleared")
	}
	s.mu.Lock()
	s.runs = make(map[string]*run)
	s.order = nil
	s.mu.Unlock()

	calls, err := s.bus.Clear(ctx)
	if err != nil {
		return domain.ClearResponse{}, fmt.Errorf("failed to clear call log: %w", err)
	}
	if err := s.store.ClearEvents(ctx); err != nil {
		return domain.ClearResponse{}, fmt.Errorf("failed to clear event journal: %w", err)
	}
	s.states.Reset()

	ctxlog.FromContext(ctx).Info("state cleared", "incidents", len(runs), "calls", calls)
	return domain.ClearResponse{IncidentsCleared: len(runs), CallsCleared: calls}, nil
}
