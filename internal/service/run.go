package service

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/sentinel/internal/agents"
	"github.com/xiaot623/sentinel/internal/callbus"
	"github.com/xiaot623/sentinel/internal/domain"
	"github.com/xiaot623/sentinel/internal/metrics"
	"github.com/xiaot623/sentinel/internal/pkg/ctxlog"
	"github.com/xiaot623/sentinel/internal/planner"
	"github.com/xiaot623/sentinel/internal/tools"
)

var (
	toolGetMetrics  = tools.Qualify(agents.Monitor, agents.CapGetMetrics)
	toolCheckHealth = tools.Qualify(agents.Monitor, agents.CapCheckHealth)
	toolAnalyze     = tools.Qualify(agents.Diagnostic, agents.CapAnalyzeIncident)
	toolPatch       = tools.Qualify(agents.Fixer, agents.CapGeneratePatch)
	toolValidate    = tools.Qualify(agents.Fixer, agents.CapValidateFix)
	toolDeploy      = tools.Qualify(agents.Deploy, agents.CapExecuteDeployment)
	toolRollback    = tools.Qualify(agents.Deploy, agents.CapRollback)
)

// stepStatus is the incident status a step runs in. Steps not listed run in
// whatever status the previous step left.
var stepStatus = map[string]domain.IncidentStatus{
	toolAnalyze: domain.IncidentStatusDiagnosing,
	toolPatch:   domain.IncidentStatusFixing,
	toolDeploy:  domain.IncidentStatusDeploying,
}

// handleIncident drives one incident from DETECTED to a terminal status. It
// runs exactly once per incident, on its own goroutine.
func (s *Service) handleIncident(ctx context.Context, r *run) {
	r.mu.Lock()
	plan := s.planner.Build(r.incident)
	r.plan = plan
	incidentID := r.incident.ID
	planSnap := plan.Clone()
	r.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "service.handleIncident", trace.WithAttributes(
		attribute.String("incident_id", incidentID),
		attribute.String("plan_id", plan.PlanID),
	))
	defer span.End()
	metrics.IncidentsActive.Inc()
	defer metrics.IncidentsActive.Dec()

	logger := ctxlog.FromContext(ctx)
	logger.Info("remediation started", "plan_id", plan.PlanID, "steps", len(plan.Steps))
	s.recordEvent(ctx, domain.EventTypePlanCreated, string(agents.Orchestrator), incidentID, planSnap)

	for {
		r.mu.RLock()
		stop := r.abandoned || plan.Status.IsTerminal()
		next := plan.NextPending()
		r.mu.RUnlock()
		if stop {
			return
		}
		if next == nil {
			break
		}
		if !s.runStep(ctx, r, next.StepNum) {
			return
		}
	}

	s.conclude(ctx, r, domain.IncidentStatusResolved, domain.OutcomeResolved, domain.PlanStatusCompleted,
		"remediation complete, service healthy", domain.TimelineSuccess)
}

// runStep executes one plan step. It returns false when the run must stop.
func (s *Service) runStep(ctx context.Context, r *run, num int) bool {
	r.mu.RLock()
	step, err := r.plan.Step(num)
	if err != nil {
		r.mu.RUnlock()
		s.fail(ctx, r, num, err.Error())
		return false
	}
	tool, action, current := step.Tool, step.Action, r.incident.Status
	r.mu.RUnlock()

	if target, ok := stepStatus[tool]; ok && target != current {
		if err := s.advance(ctx, r, target, action); err != nil {
			return false
		}
	}

	r.emitMu.Lock()
	r.mu.Lock()
	if r.abandoned {
		r.mu.Unlock()
		r.emitMu.Unlock()
		return false
	}
	started, err := r.plan.StartStep(num, s.now())
	if err != nil {
		r.mu.Unlock()
		r.emitMu.Unlock()
		s.fail(ctx, r, num, err.Error())
		return false
	}
	if n := agents.Name(started.Agent); n.Valid() {
		r.incident.Involve(started.Agent)
	}
	planID := r.plan.PlanID
	snap := started.Clone()
	ictx := r.incident.Context()
	incidentID := r.incident.ID
	r.mu.Unlock()
	s.recordEvent(ctx, domain.EventTypePlanStepUpdate, started.Agent, incidentID, domain.PlanStepUpdateData{PlanID: planID, Step: snap})
	r.emitMu.Unlock()

	if planner.IsLocal(tool) {
		return s.evaluateConfidence(ctx, r, num)
	}

	params, err := json.Marshal(snap.Params)
	if err != nil {
		s.failStep(ctx, r, num, err.Error())
		s.fail(ctx, r, num, fmt.Sprintf("encode params for %s: %v", tool, err))
		return false
	}
	// Dispatched calls outlive abandonment; the pool timeout still bounds them.
	rec, err := s.bus.Call(context.WithoutCancel(ctx), callbus.Request{
		IncidentID: incidentID,
		From:       agents.Orchestrator,
		ToolName:   tool,
		Params:     params,
		Incident:   ictx,
	})
	if err != nil {
		s.failStep(ctx, r, num, err.Error())
		s.fail(ctx, r, num, fmt.Sprintf("%v: %v", domain.ErrPlanInconsistency, err))
		return false
	}
	if !rec.Succeeded() {
		s.failStep(ctx, r, num, rec.Error)
		s.fail(ctx, r, num, fmt.Sprintf("%s failed: %s", tool, rec.Error))
		return false
	}
	return s.applyResult(ctx, r, num, tool, rec.Result)
}

// applyResult folds a successful call result into the incident and decides
// whether the plan continues.
func (s *Service) applyResult(ctx context.Context, r *run, num int, tool string, result json.RawMessage) bool {
	malformed := func(err error) bool {
		s.failStep(ctx, r, num, err.Error())
		s.fail(ctx, r, num, fmt.Sprintf("malformed result from %s: %v", tool, err))
		return false
	}

	switch tool {
	case toolGetMetrics:
		var sample map[string]any
		if err := json.Unmarshal(result, &sample); err != nil {
			return malformed(err)
		}
		s.completeStep(ctx, r, num, result, func(inc *domain.Incident) (string, string, domain.TimelineLevel) {
			if inc.MetricsSnapshot == nil {
				inc.MetricsSnapshot = map[string]any{}
			}
			maps.Copy(inc.MetricsSnapshot, sample)
			return "Metrics collected", fmt.Sprintf("%d signals sampled from %s", len(sample), inc.Service), domain.TimelineInfo
		})

	case toolAnalyze:
		var diag domain.Diagnosis
		if err := json.Unmarshal(result, &diag); err != nil {
			return malformed(err)
		}
		if math.IsNaN(diag.Confidence) || diag.Confidence < 0 || diag.Confidence > 1 {
			return malformed(fmt.Errorf("confidence %v outside [0,1]", diag.Confidence))
		}
		s.completeStep(ctx, r, num, result, func(inc *domain.Incident) (string, string, domain.TimelineLevel) {
			inc.Diagnosis = &diag
			return "Root cause identified", fmt.Sprintf("%s (confidence %.0f%%)", diag.RootCause, diag.Confidence*100), domain.TimelineInfo
		})

	case toolPatch:
		var fix domain.Fix
		if err := json.Unmarshal(result, &fix); err != nil {
			return malformed(err)
		}
		s.completeStep(ctx, r, num, result, func(inc *domain.Incident) (string, string, domain.TimelineLevel) {
			inc.Fix = &fix
			details := fix.Description
			if fix.ChangeRequestNumber > 0 {
				details = fmt.Sprintf("%s (CR #%d)", fix.Description, fix.ChangeRequestNumber)
			}
			return "Patch generated", details, domain.TimelineInfo
		})

	case toolValidate:
		var v domain.FixValidation
		if err := json.Unmarshal(result, &v); err != nil {
			return malformed(err)
		}
		s.completeStep(ctx, r, num, result, func(*domain.Incident) (string, string, domain.TimelineLevel) {
			if !v.Valid {
				return "Patch rejected", v.Reason, domain.TimelineWarning
			}
			return "Patch validated", "risk " + v.Risk, domain.TimelineSuccess
		})
		if !v.Valid {
			return s.replan(ctx, r, num, "patch validation rejected: "+v.Reason)
		}

	case toolDeploy:
		var dep domain.DeploymentResult
		if err := json.Unmarshal(result, &dep); err != nil {
			return malformed(err)
		}
		if !dep.Healthy {
			reason := "deployment unhealthy: " + dep.Reason
			s.failStepWith(ctx, r, num, reason, func(inc *domain.Incident) (string, string, domain.TimelineLevel) {
				inc.Deployment = &dep
				return "Deployment unhealthy", dep.Reason, domain.TimelineError
			})
			return s.rollback(ctx, r, reason)
		}
		s.completeStep(ctx, r, num, result, func(inc *domain.Incident) (string, string, domain.TimelineLevel) {
			inc.Deployment = &dep
			return "Deployment rolled out", fmt.Sprintf("%s to %d replicas", dep.Version, dep.ReplicasUpdated), domain.TimelineSuccess
		})

	case toolCheckHealth:
		var report domain.HealthReport
		if err := json.Unmarshal(result, &report); err != nil {
			return malformed(err)
		}
		if !report.Healthy {
			reason := "post-deploy health check failed: " + report.Status
			s.failStepWith(ctx, r, num, reason, func(*domain.Incident) (string, string, domain.TimelineLevel) {
				return "Health check failed", report.Status, domain.TimelineError
			})
			return s.rollback(ctx, r, reason)
		}
		s.completeStep(ctx, r, num, result, func(*domain.Incident) (string, string, domain.TimelineLevel) {
			return "Health check passed", report.Status, domain.TimelineSuccess
		})

	default:
		s.completeStep(ctx, r, num, result, nil)
	}

	r.mu.RLock()
	abandoned := r.abandoned
	r.mu.RUnlock()
	return !abandoned
}

// evaluateConfidence runs the confidence gate step.
func (s *Service) evaluateConfidence(ctx context.Context, r *run, num int) bool {
	r.mu.RLock()
	confidence := 0.0
	if r.incident.Diagnosis != nil {
		confidence = r.incident.Diagnosis.Confidence
	}
	r.mu.RUnlock()

	threshold := s.planner.Threshold()
	decision := s.planner.Decide(confidence)
	metrics.GateDecisions.WithLabelValues(string(decision)).Inc()
	result, _ := json.Marshal(map[string]any{
		"confidence": confidence,
		"threshold":  threshold,
		"decision":   decision,
	})
	s.completeStep(ctx, r, num, result, func(*domain.Incident) (string, string, domain.TimelineLevel) {
		if decision == planner.DecisionEscalate {
			return "Confidence gate: escalate", fmt.Sprintf("%.2f < %.2f", confidence, threshold), domain.TimelineWarning
		}
		return "Confidence gate: auto-fix", fmt.Sprintf("%.2f >= %.2f", confidence, threshold), domain.TimelineInfo
	})

	if decision == planner.DecisionEscalate {
		reason := fmt.Sprintf("confidence %.2f below threshold %.2f, escalated to on-call", confidence, threshold)
		s.conclude(ctx, r, domain.IncidentStatusRolledBack, domain.OutcomeEscalated, domain.PlanStatusEscalated, reason, domain.TimelineWarning)
		return false
	}
	return true
}

// replan regenerates the fix subsequence without leaving FIXING.
func (s *Service) replan(ctx context.Context, r *run, num int, reason string) bool {
	r.emitMu.Lock()
	r.mu.Lock()
	if r.abandoned {
		r.mu.Unlock()
		r.emitMu.Unlock()
		return false
	}
	if r.plan.ReplanCount >= s.config.MaxReplans {
		count := r.plan.ReplanCount
		r.mu.Unlock()
		r.emitMu.Unlock()
		s.fail(ctx, r, num, fmt.Sprintf("%s (after %d replans)", reason, count))
		return false
	}
	pending := make(map[int]bool)
	for _, st := range r.plan.Steps {
		if st.Status == domain.StepStatusPending {
			pending[st.StepNum] = true
		}
	}
	fresh, err := s.planner.Replan(r.plan, r.incident, toolPatch, reason)
	if err != nil {
		r.mu.Unlock()
		r.emitMu.Unlock()
		s.fail(ctx, r, num, err.Error())
		return false
	}
	var updates []*domain.PlanStep
	for _, st := range r.plan.Steps {
		if pending[st.StepNum] {
			updates = append(updates, st.Clone())
		}
	}
	for _, st := range fresh {
		updates = append(updates, st.Clone())
	}
	r.incident.AddTimeline(string(agents.Orchestrator), "Replanning", reason, domain.TimelineWarning, s.now())
	planID, incidentID, count := r.plan.PlanID, r.incident.ID, r.plan.ReplanCount
	r.mu.Unlock()

	metrics.Replans.Inc()
	ctxlog.FromContext(ctx).Info("plan regenerated", "plan_id", planID, "replan_count", count, "reason", reason)
	for _, st := range updates {
		s.recordEvent(ctx, domain.EventTypePlanStepUpdate, string(agents.Orchestrator), incidentID, domain.PlanStepUpdateData{PlanID: planID, Step: st})
	}
	r.emitMu.Unlock()
	return true
}

// rollback reverts an unhealthy deployment and ends the incident ROLLED_BACK.
func (s *Service) rollback(ctx context.Context, r *run, reason string) bool {
	r.mu.RLock()
	abandoned := r.abandoned
	ictx := r.incident.Context()
	r.mu.RUnlock()
	if abandoned {
		return false
	}

	params, _ := json.Marshal(map[string]any{"incident_id": ictx.IncidentID, "service": ictx.Service, "reason": reason})
	rec, err := s.bus.Call(context.WithoutCancel(ctx), callbus.Request{
		IncidentID: ictx.IncidentID,
		From:       agents.Orchestrator,
		ToolName:   toolRollback,
		Params:     params,
		Incident:   ictx,
	})
	switch {
	case err != nil:
		s.fail(ctx, r, 0, fmt.Sprintf("rollback after %s could not be issued: %v", reason, err))
		return false
	case !rec.Succeeded():
		s.fail(ctx, r, 0, fmt.Sprintf("rollback after %s failed: %s", reason, rec.Error))
		return false
	}

	r.mu.Lock()
	r.incident.Involve(string(agents.Deploy))
	r.incident.AddTimeline(string(agents.Deploy), "Rolled back", "service restored to previous version", domain.TimelineWarning, s.now())
	r.mu.Unlock()
	s.conclude(ctx, r, domain.IncidentStatusRolledBack, domain.OutcomeRolledBack, domain.PlanStatusFailed, reason, domain.TimelineWarning)
	return false
}

// completeStep marks a step completed, letting apply update the incident and
// narrate the result. Recorded even after abandonment.
func (s *Service) completeStep(ctx context.Context, r *run, num int, result json.RawMessage,
	apply func(inc *domain.Incident) (action, details string, level domain.TimelineLevel)) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Lock()
	now := s.now()
	step, err := r.plan.CompleteStep(num, result, now)
	if err != nil {
		r.mu.Unlock()
		ctxlog.FromContext(ctx).Error("failed to complete step", "step", num, "error", err)
		return
	}
	if apply != nil {
		action, details, level := apply(r.incident)
		r.incident.AddTimeline(step.Agent, action, details, level, now)
	}
	planID, incidentID, snap := r.plan.PlanID, r.incident.ID, step.Clone()
	r.mu.Unlock()
	s.recordEvent(ctx, domain.EventTypePlanStepUpdate, snap.Agent, incidentID, domain.PlanStepUpdateData{PlanID: planID, Step: snap})
}

func (s *Service) failStep(ctx context.Context, r *run, num int, reason string) {
	s.failStepWith(ctx, r, num, reason, nil)
}

// failStepWith marks a step failed, letting apply record what the agent
// reported on the incident.
func (s *Service) failStepWith(ctx context.Context, r *run, num int, reason string,
	apply func(inc *domain.Incident) (action, details string, level domain.TimelineLevel)) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Lock()
	now := s.now()
	step, err := r.plan.FailStep(num, reason, now)
	if err != nil {
		r.mu.Unlock()
		return
	}
	if apply != nil {
		action, details, level := apply(r.incident)
		r.incident.AddTimeline(step.Agent, action, details, level, now)
	}
	planID, incidentID, snap := r.plan.PlanID, r.incident.ID, step.Clone()
	r.mu.Unlock()
	s.recordEvent(ctx, domain.EventTypePlanStepUpdate, snap.Agent, incidentID, domain.PlanStepUpdateData{PlanID: planID, Step: snap})
}

// advance performs a non-terminal transition.
func (s *Service) advance(ctx context.Context, r *run, to domain.IncidentStatus, message string) error {
	r.emitMu.Lock()
	r.mu.Lock()
	if r.abandoned {
		r.mu.Unlock()
		r.emitMu.Unlock()
		return fmt.Errorf("incident abandoned")
	}
	from := r.incident.Status
	if err := domain.ValidateTransition(from, to); err != nil {
		r.mu.Unlock()
		r.emitMu.Unlock()
		s.fail(ctx, r, 0, err.Error())
		return err
	}
	now := s.now()
	r.incident.Status = to
	r.incident.AddTimeline(string(agents.Orchestrator), fmt.Sprintf("%s -> %s", from, to), message, domain.TimelineInfo, now)
	snap := r.incident.Clone()
	r.mu.Unlock()

	s.emitTransition(ctx, from, to, message, snap, now)
	r.emitMu.Unlock()
	return nil
}

// fail ends the incident FAILED with a reason and an error event.
func (s *Service) fail(ctx context.Context, r *run, num int, reason string) {
	if reason == "" {
		reason = "unknown failure"
	}
	ctxlog.FromContext(ctx).Error("remediation failed", "step", num, "reason", reason)
	if !s.conclude(ctx, r, domain.IncidentStatusFailed, domain.OutcomeFailed, domain.PlanStatusFailed, reason, domain.TimelineError) {
		return
	}
	r.mu.RLock()
	incidentID, elapsed := r.incident.ID, s.now().Sub(r.incident.DetectedAt).Milliseconds()
	r.mu.RUnlock()
	s.recordEvent(ctx, domain.EventTypeError, string(agents.Orchestrator), incidentID, domain.ErrorData{
		Error:     reason,
		Step:      num,
		ElapsedMs: elapsed,
	})
}

// conclude moves the incident to a terminal status: pending steps are skipped,
// the plan finishes and the transition is emitted. No-op once abandoned.
func (s *Service) conclude(ctx context.Context, r *run, to domain.IncidentStatus, outcome domain.Outcome,
	planStatus domain.PlanStatus, reason string, level domain.TimelineLevel) bool {
	r.emitMu.Lock()
	r.mu.Lock()
	if r.abandoned {
		r.mu.Unlock()
		r.emitMu.Unlock()
		return false
	}
	from := r.incident.Status
	if err := domain.ValidateTransition(from, to); err != nil {
		r.mu.Unlock()
		r.emitMu.Unlock()
		ctxlog.FromContext(ctx).Error("refusing terminal transition", "error", err)
		return false
	}
	now := s.now()
	var skipped []*domain.PlanStep
	for _, st := range r.plan.SkipPending(reason) {
		skipped = append(skipped, st.Clone())
	}
	r.plan.Finish(planStatus, now)
	r.incident.Status = to
	r.incident.Outcome = outcome
	r.incident.ResolvedAt = &now
	r.incident.AddTimeline(string(agents.Orchestrator), fmt.Sprintf("%s -> %s", from, to), reason, level, now)
	planID := r.plan.PlanID
	involved := append([]string(nil), r.incident.AgentsInvolved...)
	snap := r.incident.Clone()
	r.mu.Unlock()

	for _, st := range skipped {
		s.recordEvent(ctx, domain.EventTypePlanStepUpdate, string(agents.Orchestrator), snap.ID, domain.PlanStepUpdateData{PlanID: planID, Step: st})
	}
	s.emitTransition(ctx, from, to, reason, snap, now)
	r.emitMu.Unlock()

	for _, a := range involved {
		if n := agents.Name(a); n.Valid() {
			s.states.RecordHandled(n)
		}
	}
	metrics.IncidentsFinished.WithLabelValues(string(to), string(outcome)).Inc()
	ctxlog.FromContext(ctx).Info("incident finished", "status", to, "outcome", outcome, "plan_id", planID)
	return true
}

func (s *Service) emitTransition(ctx context.Context, from, to domain.IncidentStatus, message string, snap *domain.Incident, now time.Time) {
	metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	ctxlog.FromContext(ctx).Info("state transition", "from", from, "to", to)
	s.recordEvent(ctx, domain.EventTypeStateTransition, string(agents.Orchestrator), snap.ID, domain.StateTransitionData{
		OldStatus: from,
		NewStatus: to,
		Message:   message,
		ElapsedMs: now.Sub(snap.DetectedAt).Milliseconds(),
		Incident:  snap,
	})
}
