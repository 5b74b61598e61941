package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlan() *ExecutionPlan {
	return &ExecutionPlan{
		PlanID:     "plan-test",
		IncidentID: "INC-TEST",
		Status:     PlanStatusPlanning,
		CreatedAt:  time.Now(),
		Steps: []*PlanStep{
			{StepNum: 1, Agent: "monitor", Tool: "monitor.get_metrics", Status: StepStatusPending},
			{StepNum: 2, Agent: "diagnostic", Tool: "diagnostic.analyze_incident", Status: StepStatusPending},
			{StepNum: 3, Agent: "fixer", Tool: "fixer.generate_patch", Status: StepStatusPending},
		},
	}
}

func TestPlanStepLifecycle(t *testing.T) {
	plan := newTestPlan()
	now := time.Now()

	step, err := plan.StartStep(1, now)
	require.NoError(t, err)
	assert.Equal(t, StepStatusInProgress, step.Status)
	assert.Equal(t, PlanStatusExecuting, plan.Status)

	step, err = plan.CompleteStep(1, json.RawMessage(`{"ok":true}`), now.Add(20*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, StepStatusCompleted, step.Status)
	assert.Equal(t, int64(20), step.ElapsedMs)
	assert.Equal(t, 2, plan.NextPending().StepNum)
}

func TestPlanRejectsSecondInProgressStep(t *testing.T) {
	plan := newTestPlan()
	_, err := plan.StartStep(1, time.Now())
	require.NoError(t, err)

	_, err = plan.StartStep(2, time.Now())
	if !errors.Is(err, ErrPlanInconsistency) {
		t.Fatalf("expected plan inconsistency, got %v", err)
	}
}

func TestPlanRejectsOutOfOrderStart(t *testing.T) {
	plan := newTestPlan()
	_, err := plan.StartStep(2, time.Now())
	assert.ErrorIs(t, err, ErrPlanInconsistency)
}

func TestPlanRejectsAdvanceWhenTerminal(t *testing.T) {
	plan := newTestPlan()
	plan.Finish(PlanStatusFailed, time.Now())

	_, err := plan.StartStep(1, time.Now())
	assert.ErrorIs(t, err, ErrPlanInconsistency)
}

func TestPlanRejectsRestartingCompletedStep(t *testing.T) {
	plan := newTestPlan()
	_, err := plan.StartStep(1, time.Now())
	require.NoError(t, err)
	_, err = plan.CompleteStep(1, nil, time.Now())
	require.NoError(t, err)

	_, err = plan.StartStep(1, time.Now())
	assert.ErrorIs(t, err, ErrStepNotPending)
}

func TestPlanSkipPending(t *testing.T) {
	plan := newTestPlan()
	_, err := plan.StartStep(1, time.Now())
	require.NoError(t, err)
	_, err = plan.FailStep(1, "boom", time.Now())
	require.NoError(t, err)

	skipped := plan.SkipPending("aborted")
	require.Len(t, skipped, 2)
	for _, s := range plan.Steps[1:] {
		assert.Equal(t, StepStatusSkipped, s.Status)
		assert.Equal(t, "aborted", s.SkipReason)
	}
	assert.Nil(t, plan.NextPending())
}

func TestPlanCloneIsIndependent(t *testing.T) {
	plan := newTestPlan()
	plan.Steps[0].Params = map[string]any{"service": "api"}
	clone := plan.Clone()

	clone.Steps[0].Status = StepStatusCompleted
	clone.Steps[0].Params["service"] = "other"

	assert.Equal(t, StepStatusPending, plan.Steps[0].Status)
	assert.Equal(t, "api", plan.Steps[0].Params["service"])
}
