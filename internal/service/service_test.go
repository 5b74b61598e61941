package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/sentinel/internal/agents"
	"github.com/xiaot623/sentinel/internal/config"
	"github.com/xiaot623/sentinel/internal/domain"
	"github.com/xiaot623/sentinel/internal/repository"
	"github.com/xiaot623/sentinel/internal/tools"
	"github.com/xiaot623/sentinel/policy"
	"github.com/xiaot623/sentinel/tests/helpers"
)

type testEnv struct {
	svc   *Service
	store *repository.SQLiteStore
}

func newTestEnv(t *testing.T, cfg *config.Config, overrides ...agents.Agent) *testEnv {
	t.Helper()
	ctx := context.Background()
	if cfg == nil {
		cfg = config.Default()
	}
	store := helpers.NewTestSQLiteStore(t)
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)

	svc := New(Deps{
		Store:    store,
		Pool:     helpers.NewTestPool(t, overrides...),
		States:   agents.NewStateTable(time.Minute),
		Registry: tools.DefaultRegistry,
		Policy:   policyEngine,
		Config:   cfg,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &testEnv{svc: svc, store: store}
}

func criticalIncident() domain.CreateIncidentRequest {
	return domain.CreateIncidentRequest{
		Title:    "DB connection pool exhausted",
		Severity: domain.SeverityCritical,
		Service:  "order-service",
		Metrics:  map[string]any{"db_connections_active": 100.0, "db_connections_max": 100.0},
	}
}

func (e *testEnv) waitTerminal(t *testing.T, id string) *domain.Incident {
	t.Helper()
	var inc *domain.Incident
	require.Eventually(t, func() bool {
		got, err := e.svc.GetIncident(context.Background(), id)
		require.NoError(t, err)
		inc = got
		return got.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	// Let the run goroutine emit its final events.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.svc.Shutdown(ctx))
	return inc
}

func (e *testEnv) events(t *testing.T, id string, eventType domain.EventType) []domain.Event {
	t.Helper()
	all, err := e.svc.Events(context.Background(), id, 0, 0)
	require.NoError(t, err)
	var out []domain.Event
	for _, evt := range all {
		if evt.EventType == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func (e *testEnv) transitions(t *testing.T, id string) []domain.IncidentStatus {
	t.Helper()
	var statuses []domain.IncidentStatus
	for _, evt := range e.events(t, id, domain.EventTypeStateTransition) {
		var data domain.StateTransitionData
		require.NoError(t, json.Unmarshal(evt.Data, &data))
		if data.OldStatus != "" && data.OldStatus != data.NewStatus {
			require.NoError(t, domain.ValidateTransition(data.OldStatus, data.NewStatus))
		}
		if data.OldStatus == data.NewStatus {
			continue
		}
		statuses = append(statuses, data.NewStatus)
	}
	return statuses
}

func (e *testEnv) trace(t *testing.T, id string) []string {
	t.Helper()
	calls, err := e.svc.Trace(context.Background(), id)
	require.NoError(t, err)
	var names []string
	for _, c := range calls {
		names = append(names, c.ToolName)
	}
	return names
}

func stepStatuses(plan *domain.ExecutionPlan) []domain.StepStatus {
	out := make([]domain.StepStatus, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		out = append(out, s.Status)
	}
	return out
}

func TestHighConfidenceResolves(t *testing.T) {
	env := newTestEnv(t, nil, helpers.DiagnosticWithConfidence(0.85))
	ctx := context.Background()

	created, err := env.svc.CreateIncident(ctx, criticalIncident())
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusDetected, created.Status)
	assert.Regexp(t, `^INC-[0-9A-F]{8}$`, created.ID)

	inc := env.waitTerminal(t, created.ID)
	assert.Equal(t, domain.IncidentStatusResolved, inc.Status)
	assert.Equal(t, domain.OutcomeResolved, inc.Outcome)
	assert.NotNil(t, inc.ResolvedAt)
	require.NotNil(t, inc.Fix)
	require.NotNil(t, inc.Deployment)
	assert.True(t, inc.Deployment.Healthy)

	plan, err := env.svc.GetPlan(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusCompleted, plan.Status)
	assert.Equal(t, 0, plan.ReplanCount)
	require.Len(t, plan.Steps, 7)
	for _, s := range plan.Steps {
		assert.Equal(t, domain.StepStatusCompleted, s.Status, "step %d", s.StepNum)
	}

	assert.Equal(t, []domain.IncidentStatus{
		domain.IncidentStatusDetected,
		domain.IncidentStatusDiagnosing,
		domain.IncidentStatusFixing,
		domain.IncidentStatusDeploying,
		domain.IncidentStatusResolved,
	}, env.transitions(t, created.ID))

	assert.Equal(t, []string{
		"monitor.get_metrics",
		"diagnostic.analyze_incident",
		"fixer.generate_patch",
		"fixer.validate_fix",
		"deploy.execute_deployment",
		"monitor.check_health",
	}, env.trace(t, created.ID))

	for _, n := range []agents.Name{agents.Monitor, agents.Diagnostic, agents.Fixer, agents.Deploy} {
		st, err := env.svc.states.Get(n)
		require.NoError(t, err)
		assert.Equal(t, 1, st.IncidentsHandled, "agent %s", n)
	}
}

func TestLowConfidenceEscalates(t *testing.T) {
	env := newTestEnv(t, nil, helpers.DiagnosticWithConfidence(0.40))
	ctx := context.Background()

	created, err := env.svc.CreateIncident(ctx, criticalIncident())
	require.NoError(t, err)

	inc := env.waitTerminal(t, created.ID)
	assert.Equal(t, domain.IncidentStatusRolledBack, inc.Status)
	assert.Equal(t, domain.OutcomeEscalated, inc.Outcome)
	assert.Nil(t, inc.Fix)
	assert.Nil(t, inc.Deployment)

	plan, err := env.svc.GetPlan(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusEscalated, plan.Status)
	assert.Equal(t, []domain.StepStatus{
		domain.StepStatusCompleted,
		domain.StepStatusCompleted,
		domain.StepStatusCompleted,
		domain.StepStatusSkipped,
		domain.StepStatusSkipped,
		domain.StepStatusSkipped,
		domain.StepStatusSkipped,
	}, stepStatuses(plan))
	for _, s := range plan.Steps[3:] {
		assert.NotEmpty(t, s.SkipReason)
	}

	assert.Equal(t, []string{"monitor.get_metrics", "diagnostic.analyze_incident"}, env.trace(t, created.ID))
	assert.Equal(t, []domain.IncidentStatus{
		domain.IncidentStatusDetected,
		domain.IncidentStatusDiagnosing,
		domain.IncidentStatusRolledBack,
	}, env.transitions(t, created.ID))
}

func TestUnhealthyDeployRollsBack(t *testing.T) {
	deploy := &helpers.FakeAgent{
		AgentName: agents.Deploy,
		Caps:      []agents.Capability{agents.CapExecuteDeployment, agents.CapRollback},
		Fn: func(_ context.Context, capability agents.Capability, ictx domain.IncidentContext) (json.RawMessage, error) {
			if capability == agents.CapRollback {
				return json.RawMessage(`{"rolled_back":true}`), nil
			}
			return json.Marshal(domain.DeploymentResult{Version: "v1.1.0", ReplicasUpdated: 3, Healthy: false, Reason: "error rate above SLO"})
		},
	}
	env := newTestEnv(t, nil, helpers.DiagnosticWithConfidence(0.9), deploy)

	created, err := env.svc.CreateIncident(context.Background(), criticalIncident())
	require.NoError(t, err)

	inc := env.waitTerminal(t, created.ID)
	assert.Equal(t, domain.IncidentStatusRolledBack, inc.Status)
	assert.Equal(t, domain.OutcomeRolledBack, inc.Outcome)
	require.NotNil(t, inc.Deployment)
	assert.False(t, inc.Deployment.Healthy)

	plan, err := env.svc.GetPlan(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusFailed, plan.Steps[5].Status)
	assert.Contains(t, plan.Steps[5].Error, "error rate above SLO")
	assert.Equal(t, domain.StepStatusSkipped, plan.Steps[6].Status)

	trace := env.trace(t, created.ID)
	require.NotEmpty(t, trace)
	assert.Equal(t, "deploy.rollback", trace[len(trace)-1])
	assert.NotContains(t, trace, "monitor.check_health")
}

func TestFailedHealthCheckRollsBack(t *testing.T) {
	monitor := &helpers.FakeAgent{
		AgentName: agents.Monitor,
		Caps:      []agents.Capability{agents.CapGetMetrics, agents.CapCheckHealth},
		Fn: func(_ context.Context, capability agents.Capability, ictx domain.IncidentContext) (json.RawMessage, error) {
			if capability == agents.CapCheckHealth {
				return json.Marshal(domain.HealthReport{Service: ictx.Service, Healthy: false, Status: "p99 latency 4s"})
			}
			return json.RawMessage(`{"cpu_percent":41.0}`), nil
		},
	}
	env := newTestEnv(t, nil, helpers.DiagnosticWithConfidence(0.9), monitor)

	created, err := env.svc.CreateIncident(context.Background(), criticalIncident())
	require.NoError(t, err)

	inc := env.waitTerminal(t, created.ID)
	assert.Equal(t, domain.IncidentStatusRolledBack, inc.Status)
	assert.Equal(t, domain.OutcomeRolledBack, inc.Outcome)

	plan, err := env.svc.GetPlan(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusFailed, plan.Status)
	assert.Equal(t, domain.StepStatusCompleted, plan.Steps[5].Status)
	assert.Equal(t, domain.StepStatusFailed, plan.Steps[6].Status)
	assert.Contains(t, plan.Steps[6].Error, "p99 latency 4s")

	trace := env.trace(t, created.ID)
	require.NotEmpty(t, trace)
	assert.Equal(t, "deploy.rollback", trace[len(trace)-1])
}

func TestOutOfRangeConfidenceFails(t *testing.T) {
	for name, confidence := range map[string]float64{
		"percentage": 85,
		"negative":   -3,
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, nil, helpers.DiagnosticWithConfidence(confidence))

			created, err := env.svc.CreateIncident(context.Background(), criticalIncident())
			require.NoError(t, err)

			inc := env.waitTerminal(t, created.ID)
			assert.Equal(t, domain.IncidentStatusFailed, inc.Status)
			assert.Equal(t, domain.OutcomeFailed, inc.Outcome)
			assert.Nil(t, inc.Diagnosis)

			plan, err := env.svc.GetPlan(context.Background(), created.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StepStatusFailed, plan.Steps[1].Status)
			assert.Contains(t, plan.Steps[1].Error, "outside [0,1]")
			assert.Equal(t, []string{"monitor.get_metrics", "diagnostic.analyze_incident"}, env.trace(t, created.ID))
		})
	}
}

func TestDiagnosticErrorFails(t *testing.T) {
	diag := &helpers.FakeAgent{
		AgentName: agents.Diagnostic,
		Caps:      []agents.Capability{agents.CapAnalyzeIncident},
		Fn: func(context.Context, agents.Capability, domain.IncidentContext) (json.RawMessage, error) {
			return nil, errors.New("inference backend unavailable")
		},
	}
	env := newTestEnv(t, nil, diag)

	created, err := env.svc.CreateIncident(context.Background(), criticalIncident())
	require.NoError(t, err)

	inc := env.waitTerminal(t, created.ID)
	assert.Equal(t, domain.IncidentStatusFailed, inc.Status)
	assert.Equal(t, domain.OutcomeFailed, inc.Outcome)
	last := inc.Timeline[len(inc.Timeline)-1]
	assert.Contains(t, last.Details, "inference backend unavailable")

	plan, err := env.svc.GetPlan(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusFailed, plan.Status)
	assert.Equal(t, domain.StepStatusFailed, plan.Steps[1].Status)
	for _, s := range plan.Steps[2:] {
		assert.Equal(t, domain.StepStatusSkipped, s.Status, "step %d", s.StepNum)
	}

	errs := env.events(t, created.ID, domain.EventTypeError)
	require.Len(t, errs, 1)
	var data domain.ErrorData
	require.NoError(t, json.Unmarshal(errs[0].Data, &data))
	assert.Equal(t, 2, data.Step)
	assert.NotEmpty(t, data.Error)

	st, err := env.svc.states.Get(agents.Diagnostic)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusError, st.Status)
}

func TestEveryCallHasOneResponse(t *testing.T) {
	env := newTestEnv(t, nil, helpers.DiagnosticWithConfidence(0.85))

	created, err := env.svc.CreateIncident(context.Background(), criticalIncident())
	require.NoError(t, err)
	env.waitTerminal(t, created.ID)

	responses := map[string]int{}
	for _, evt := range env.events(t, created.ID, domain.EventTypeMCPResponse) {
		var rec domain.CallRecord
		require.NoError(t, json.Unmarshal(evt.Data, &rec))
		responses[rec.CallID]++
	}
	calls := env.events(t, created.ID, domain.EventTypeMCPCall)
	require.Len(t, calls, 6)
	for _, evt := range calls {
		var rec domain.CallRecord
		require.NoError(t, json.Unmarshal(evt.Data, &rec))
		assert.Equal(t, 1, responses[rec.CallID], "call %s", rec.CallID)
	}
	assert.Len(t, responses, len(calls))
}

func TestReplanOnRejectedValidation(t *testing.T) {
	var validations atomic.Int32
	fixer := &helpers.FakeAgent{
		AgentName: agents.Fixer,
		Caps:      []agents.Capability{agents.CapGeneratePatch, agents.CapValidateFix},
		Fn: func(_ context.Context, capability agents.Capability, _ domain.IncidentContext) (json.RawMessage, error) {
			if capability == agents.CapGeneratePatch {
				return json.Marshal(domain.Fix{FixID: "fix-1", Description: "raise pool", FilePath: "config/db.yaml", Diff: "+max: 200"})
			}
			if validations.Add(1) == 1 {
				return json.Marshal(domain.FixValidation{Valid: false, Risk: "high", Reason: "touches shared config"})
			}
			return json.Marshal(domain.FixValidation{Valid: true, Risk: "low"})
		},
	}
	env := newTestEnv(t, nil, helpers.DiagnosticWithConfidence(0.9), fixer)

	created, err := env.svc.CreateIncident(context.Background(), criticalIncident())
	require.NoError(t, err)

	inc := env.waitTerminal(t, created.ID)
	assert.Equal(t, domain.IncidentStatusResolved, inc.Status)

	plan, err := env.svc.GetPlan(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusCompleted, plan.Status)
	assert.Equal(t, 1, plan.ReplanCount)
	assert.Contains(t, plan.ReplanReason, "touches shared config")
	require.Len(t, plan.Steps, 11)
	assert.Equal(t, domain.StepStatusSkipped, plan.Steps[5].Status)
	assert.Equal(t, domain.StepStatusSkipped, plan.Steps[6].Status)
	assert.Equal(t, "fixer.generate_patch", plan.Steps[7].Tool)
	for _, s := range plan.Steps[7:] {
		assert.Equal(t, domain.StepStatusCompleted, s.Status)
	}
}

func TestReplanLimitFails(t *testing.T) {
	fixer := &helpers.FakeAgent{
		AgentName: agents.Fixer,
		Caps:      []agents.Capability{agents.CapGeneratePatch, agents.CapValidateFix},
		Fn: func(_ context.Context, capability agents.Capability, _ domain.IncidentContext) (json.RawMessage, error) {
			if capability == agents.CapGeneratePatch {
				return json.Marshal(domain.Fix{FixID: "fix-1"})
			}
			return json.Marshal(domain.FixValidation{Valid: false, Risk: "high", Reason: "patch is empty"})
		},
	}
	env := newTestEnv(t, nil, helpers.DiagnosticWithConfidence(0.9), fixer)

	created, err := env.svc.CreateIncident(context.Background(), criticalIncident())
	require.NoError(t, err)

	inc := env.waitTerminal(t, created.ID)
	assert.Equal(t, domain.IncidentStatusFailed, inc.Status)
	assert.NotContains(t, env.trace(t, created.ID), "deploy.execute_deployment")
}

func TestHeldIncident(t *testing.T) {
	cfg := config.Default()
	cfg.SeverityThreshold = domain.SeverityHigh
	env := newTestEnv(t, cfg, helpers.DiagnosticWithConfidence(0.85))
	ctx := context.Background()

	req := criticalIncident()
	req.Severity = domain.SeverityLow
	created, err := env.svc.CreateIncident(ctx, req)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	inc, err := env.svc.GetIncident(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusDetected, inc.Status)
	_, err = env.svc.GetPlan(ctx, created.ID)
	assert.ErrorIs(t, err, ErrPlanNotFound)

	_, err = env.svc.StartRemediation(ctx, created.ID)
	require.NoError(t, err)
	_, err = env.svc.StartRemediation(ctx, created.ID)
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	inc = env.waitTerminal(t, created.ID)
	assert.Equal(t, domain.IncidentStatusResolved, inc.Status)
}

func TestAbandonSnapshotIsLast(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var ids []string
	for range 20 {
		created, err := env.svc.CreateIncident(ctx, criticalIncident())
		require.NoError(t, err)
		ids = append(ids, created.ID)
		go env.svc.AbandonIncident(ctx, created.ID)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, env.svc.Shutdown(shutdownCtx))

	for _, id := range ids {
		seenAbandoned := false
		for _, evt := range env.events(t, id, domain.EventTypeStateTransition) {
			var data domain.StateTransitionData
			require.NoError(t, json.Unmarshal(evt.Data, &data))
			if seenAbandoned {
				assert.True(t, data.Incident.Abandoned, "%s: stale snapshot after abandon at seq %d", id, evt.Seq)
			}
			seenAbandoned = seenAbandoned || data.Incident.Abandoned
		}
	}
}

func TestAbandonStopsAdvancing(t *testing.T) {
	release := make(chan struct{})
	diag := &helpers.FakeAgent{
		AgentName: agents.Diagnostic,
		Caps:      []agents.Capability{agents.CapAnalyzeIncident},
		Fn: func(context.Context, agents.Capability, domain.IncidentContext) (json.RawMessage, error) {
			<-release
			return json.Marshal(domain.Diagnosis{RootCause: "pool", Confidence: 0.95, ErrorPattern: "connection_pool_exhausted"})
		},
	}
	env := newTestEnv(t, nil, diag)
	ctx := context.Background()

	created, err := env.svc.CreateIncident(ctx, criticalIncident())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		plan, err := env.svc.GetPlan(ctx, created.ID)
		return err == nil && plan.Steps[1].Status == domain.StepStatusInProgress
	}, 5*time.Second, 10*time.Millisecond)

	abandoned, err := env.svc.AbandonIncident(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, abandoned.Abandoned)
	assert.Equal(t, domain.IncidentStatusDiagnosing, abandoned.Status)

	close(release)
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, env.svc.Shutdown(shutdownCtx))

	inc, err := env.svc.GetIncident(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusDiagnosing, inc.Status)
	assert.Empty(t, inc.Outcome)

	plan, err := env.svc.GetPlan(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusFailed, plan.Status)
	assert.Equal(t, domain.StepStatusCompleted, plan.Steps[1].Status)
	for _, s := range plan.Steps[2:] {
		assert.Equal(t, domain.StepStatusSkipped, s.Status)
	}

	// The in-flight call still resolved and was logged.
	assert.Equal(t, []string{"monitor.get_metrics", "diagnostic.analyze_incident"}, env.trace(t, created.ID))

	_, err = env.svc.AbandonIncident(ctx, created.ID)
	assert.ErrorIs(t, err, ErrIncidentFinished)
}

func TestClearResetsState(t *testing.T) {
	env := newTestEnv(t, nil, helpers.DiagnosticWithConfidence(0.85))
	ctx := context.Background()

	created, err := env.svc.CreateIncident(ctx, criticalIncident())
	require.NoError(t, err)
	env.waitTerminal(t, created.ID)

	resp, err := env.svc.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.IncidentsCleared)
	assert.Equal(t, 6, resp.CallsCleared)

	assert.Empty(t, env.svc.ListIncidents(ctx))
	calls, err := env.svc.ListCalls(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, calls.Calls)
	for _, a := range env.svc.Agents(ctx) {
		assert.Equal(t, domain.AgentStatusIdle, a.Status, "agent %s", a.Name)
		assert.NotEmpty(t, a.Tools)
	}
	_, err = env.svc.GetIncident(ctx, created.ID)
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestInvokeTool(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, err := env.svc.InvokeTool(ctx, "monitor.get_metrics", domain.ToolInvokeRequest{
		Params: json.RawMessage(`{"service":"api-gateway"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusSuccess, rec.Status)
	assert.Equal(t, "external", rec.FromAgent)
	assert.Empty(t, rec.IncidentID)
	var sample map[string]any
	require.NoError(t, json.Unmarshal(rec.Result, &sample))
	assert.Equal(t, "api-gateway", sample["service"])

	_, err = env.svc.InvokeTool(ctx, "deploy.rollback", domain.ToolInvokeRequest{Params: json.RawMessage(`{"service":"api-gateway"}`)})
	assert.ErrorIs(t, err, ErrPolicyBlocked)

	rolled, err := env.svc.InvokeTool(ctx, "deploy.rollback", domain.ToolInvokeRequest{Params: json.RawMessage(`{"service":"api-gateway","confirm":true}`)})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusSuccess, rolled.Status)

	_, err = env.svc.InvokeTool(ctx, "monitor.get_metrics", domain.ToolInvokeRequest{FromAgent: "mallory"})
	assert.ErrorIs(t, err, ErrInvalidCaller)

	_, err = env.svc.InvokeTool(ctx, "monitor.reboot", domain.ToolInvokeRequest{})
	assert.ErrorIs(t, err, tools.ErrUnknownTool)

	_, err = env.svc.InvokeTool(ctx, "monitor.get_metrics", domain.ToolInvokeRequest{Params: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, ErrInvalidParams)

	replayed, err := env.svc.ReplayCall(ctx, rec.CallID, domain.ReplayRequest{})
	require.NoError(t, err)
	assert.NotEqual(t, rec.CallID, replayed.CallID)
	assert.Equal(t, rec.ToolName, replayed.ToolName)
	assert.JSONEq(t, string(rec.Params), string(replayed.Params))

	_, err = env.svc.ReplayCall(ctx, "mcp-missing", domain.ReplayRequest{})
	assert.ErrorIs(t, err, ErrCallNotFound)

	calls, err := env.svc.ListCalls(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, calls.Total)
	assert.Equal(t, replayed.CallID, calls.Calls[0].CallID)
}

func TestReplayDeployNeedsConfirm(t *testing.T) {
	env := newTestEnv(t, nil, helpers.DiagnosticWithConfidence(0.9))
	ctx := context.Background()

	created, err := env.svc.CreateIncident(ctx, criticalIncident())
	require.NoError(t, err)
	env.waitTerminal(t, created.ID)

	calls, err := env.svc.Trace(ctx, created.ID)
	require.NoError(t, err)
	var deployCall *domain.CallRecord
	for _, c := range calls {
		if c.ToolName == "deploy.execute_deployment" {
			deployCall = c
		}
	}
	require.NotNil(t, deployCall)

	_, err = env.svc.ReplayCall(ctx, deployCall.CallID, domain.ReplayRequest{})
	assert.ErrorIs(t, err, ErrPolicyBlocked)

	replayed, err := env.svc.ReplayCall(ctx, deployCall.CallID, domain.ReplayRequest{Confirm: true})
	require.NoError(t, err)
	assert.NotEqual(t, deployCall.CallID, replayed.CallID)
	assert.Equal(t, "deploy.execute_deployment", replayed.ToolName)
	assert.Equal(t, "external", replayed.FromAgent)
	// The policy let it through; the agent then needs a fix the params lack.
	assert.Equal(t, domain.CallStatusError, replayed.Status)

	var params map[string]any
	require.NoError(t, json.Unmarshal(replayed.Params, &params))
	assert.Equal(t, true, params["confirm"])
	var original map[string]any
	require.NoError(t, json.Unmarshal(deployCall.Params, &original))
	for k, v := range original {
		assert.Equal(t, v, params[k], k)
	}
}

func TestIdleSweepRevertsAgents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.svc.InvokeTool(ctx, "monitor.check_health", domain.ToolInvokeRequest{Params: json.RawMessage(`{"service":"api-gateway"}`)})
	require.NoError(t, err)
	st, err := env.svc.states.Get(agents.Monitor)
	require.NoError(t, err)
	require.Equal(t, domain.AgentStatusDone, st.Status)

	env.svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	env.svc.sweepIdleAgents(ctx)

	st, err = env.svc.states.Get(agents.Monitor)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusIdle, st.Status)
}
