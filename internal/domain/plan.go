package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

var (
	// ErrPlanInconsistency is returned when a plan is asked to do something its state forbids.
	ErrPlanInconsistency = errors.New("plan inconsistency")
	// ErrStepNotPending is returned when starting a step that already ran.
	ErrStepNotPending = errors.New("step is not pending")
)

// ExecutionPlan is the ordered step sequence derived for one incident.
type ExecutionPlan struct {
	PlanID         string      `json:"plan_id"`
	IncidentID     string      `json:"incident_id"`
	Status         PlanStatus  `json:"status"`
	Steps          []*PlanStep `json:"steps"`
	ReplanCount    int         `json:"replan_count"`
	ReplanReason   string      `json:"replan_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	TotalElapsedMs int64       `json:"total_elapsed_ms"`
}

// PlanStep is one tool invocation within a plan.
type PlanStep struct {
	StepNum     int             `json:"step_num"`
	Agent       string          `json:"agent"`
	Action      string          `json:"action"`
	Tool        string          `json:"tool"`
	Params      map[string]any  `json:"params,omitempty"`
	Condition   string          `json:"condition,omitempty"`
	Status      StepStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	SkipReason  string          `json:"skip_reason,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ElapsedMs   int64           `json:"elapsed_ms"`
}

// Step returns the step with the given number.
func (p *ExecutionPlan) Step(num int) (*PlanStep, error) {
	for _, s := range p.Steps {
		if s.StepNum == num {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: step %d not in plan %s", ErrPlanInconsistency, num, p.PlanID)
}

// NextPending returns the lowest-numbered pending step, or nil.
func (p *ExecutionPlan) NextPending() *PlanStep {
	for _, s := range p.Steps {
		if s.Status == StepStatusPending {
			return s
		}
	}
	return nil
}

// InProgress returns the step currently executing, or nil.
func (p *ExecutionPlan) InProgress() *PlanStep {
	for _, s := range p.Steps {
		if s.Status == StepStatusInProgress {
			return s
		}
	}
	return nil
}

// StartStep moves a pending step to in_progress.
func (p *ExecutionPlan) StartStep(num int, now time.Time) (*PlanStep, error) {
	if p.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: plan %s is %s", ErrPlanInconsistency, p.PlanID, p.Status)
	}
	if cur := p.InProgress(); cur != nil {
		return nil, fmt.Errorf("%w: step %d still in progress", ErrPlanInconsistency, cur.StepNum)
	}
	step, err := p.Step(num)
	if err != nil {
		return nil, err
	}
	if step.Status != StepStatusPending {
		return nil, fmt.Errorf("%w: step %d is %s", ErrStepNotPending, num, step.Status)
	}
	if next := p.NextPending(); next != step {
		return nil, fmt.Errorf("%w: step %d started before step %d", ErrPlanInconsistency, num, next.StepNum)
	}
	t := now
	step.Status = StepStatusInProgress
	step.StartedAt = &t
	if p.Status == PlanStatusPlanning || p.Status == PlanStatusReplanned {
		p.Status = PlanStatusExecuting
	}
	return step, nil
}

// CompleteStep records a successful step result.
func (p *ExecutionPlan) CompleteStep(num int, result json.RawMessage, now time.Time) (*PlanStep, error) {
	return p.finishStep(num, StepStatusCompleted, result, "", now)
}

// FailStep records a failed step.
func (p *ExecutionPlan) FailStep(num int, reason string, now time.Time) (*PlanStep, error) {
	return p.finishStep(num, StepStatusFailed, nil, reason, now)
}

func (p *ExecutionPlan) finishStep(num int, status StepStatus, result json.RawMessage, reason string, now time.Time) (*PlanStep, error) {
	step, err := p.Step(num)
	if err != nil {
		return nil, err
	}
	if step.Status != StepStatusInProgress {
		return nil, fmt.Errorf("%w: step %d is %s, not in progress", ErrPlanInconsistency, num, step.Status)
	}
	t := now
	step.Status = status
	step.Result = result
	step.Error = reason
	step.CompletedAt = &t
	if step.StartedAt != nil {
		step.ElapsedMs = now.Sub(*step.StartedAt).Milliseconds()
	}
	return step, nil
}

// SkipPending marks every pending step skipped and returns them.
func (p *ExecutionPlan) SkipPending(reason string) []*PlanStep {
	var skipped []*PlanStep
	for _, s := range p.Steps {
		if s.Status == StepStatusPending {
			s.Status = StepStatusSkipped
			s.SkipReason = reason
			skipped = append(skipped, s)
		}
	}
	return skipped
}

// Finish moves the plan to a terminal status.
func (p *ExecutionPlan) Finish(status PlanStatus, now time.Time) {
	t := now
	p.Status = status
	p.CompletedAt = &t
	p.TotalElapsedMs = now.Sub(p.CreatedAt).Milliseconds()
}

// Clone returns a deep copy of the plan.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = make([]*PlanStep, len(p.Steps))
	for i, s := range p.Steps {
		c.Steps[i] = s.Clone()
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Clone returns a copy of the step.
func (s *PlanStep) Clone() *PlanStep {
	c := *s
	c.Result = slices.Clone(s.Result)
	c.Params = maps.Clone(s.Params)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
