// Package planner expands incidents into execution plans and evaluates the
// confidence gate.
package planner

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/sentinel/internal/agents"
	"github.com/xiaot623/sentinel/internal/domain"
	"github.com/xiaot623/sentinel/internal/tools"
)

// ToolEvaluateConfidence is executed by the orchestrator itself, not by an agent.
const ToolEvaluateConfidence = "orchestrator.evaluate_confidence"

// IsLocal reports whether a step's tool runs inside the orchestrator.
func IsLocal(tool string) bool {
	return tool == ToolEvaluateConfidence
}

type stepTemplate struct {
	agent     agents.Name
	action    string
	tool      string
	condition string
}

// canonical is the fixed pipeline, in execution order.
var canonical = []stepTemplate{
	{agent: agents.Monitor, action: "Collect service metrics", tool: tools.Qualify(agents.Monitor, agents.CapGetMetrics)},
	{agent: agents.Diagnostic, action: "Analyze root cause", tool: tools.Qualify(agents.Diagnostic, agents.CapAnalyzeIncident)},
	{agent: agents.Orchestrator, action: "Evaluate diagnosis confidence", tool: ToolEvaluateConfidence},
	{agent: agents.Fixer, action: "Generate patch", tool: tools.Qualify(agents.Fixer, agents.CapGeneratePatch), condition: "decision == auto_fix"},
	{agent: agents.Fixer, action: "Validate patch", tool: tools.Qualify(agents.Fixer, agents.CapValidateFix)},
	{agent: agents.Deploy, action: "Execute deployment", tool: tools.Qualify(agents.Deploy, agents.CapExecuteDeployment), condition: "patch valid"},
	{agent: agents.Monitor, action: "Verify post-deploy health", tool: tools.Qualify(agents.Monitor, agents.CapCheckHealth), condition: "deployment healthy"},
}

// Planner builds and regenerates plans.
type Planner struct {
	threshold float64
	now       func() time.Time
}

// New creates a planner gating on threshold.
func New(threshold float64) *Planner {
	return &Planner{threshold: threshold, now: time.Now}
}

// Threshold returns the configured confidence threshold.
func (p *Planner) Threshold() float64 {
	return p.threshold
}

// Decide applies the confidence gate with the configured threshold.
func (p *Planner) Decide(confidence float64) Decision {
	return Decide(confidence, p.threshold)
}

// Build expands an incident into the seven canonical steps.
func (p *Planner) Build(inc *domain.Incident) *domain.ExecutionPlan {
	plan := &domain.ExecutionPlan{
		PlanID:     "plan-" + uuid.New().String()[:8],
		IncidentID: inc.ID,
		Status:     domain.PlanStatusPlanning,
		CreatedAt:  p.now(),
	}
	plan.Steps = p.steps(inc, canonical, 1)
	return plan
}

func (p *Planner) steps(inc *domain.Incident, templates []stepTemplate, first int) []*domain.PlanStep {
	out := make([]*domain.PlanStep, 0, len(templates))
	for i, tpl := range templates {
		step := &domain.PlanStep{
			StepNum:   first + i,
			Agent:     string(tpl.agent),
			Action:    tpl.action,
			Tool:      tpl.tool,
			Condition: tpl.condition,
			Status:    domain.StepStatusPending,
			Params:    map[string]any{"incident_id": inc.ID, "service": inc.Service},
		}
		if tpl.tool == ToolEvaluateConfidence {
			step.Params = map[string]any{"threshold": p.threshold}
			step.Condition = fmt.Sprintf("confidence >= %.2f -> auto_fix, else escalate", p.threshold)
		}
		out = append(out, step)
	}
	return out
}

// Replan skips every pending step and appends a fresh copy of the canonical
// pipeline starting at fromTool. Completed, failed and skipped steps are kept.
func (p *Planner) Replan(plan *domain.ExecutionPlan, inc *domain.Incident, fromTool, reason string) ([]*domain.PlanStep, error) {
	if plan.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot replan %s plan %s", domain.ErrPlanInconsistency, plan.Status, plan.PlanID)
	}
	if cur := plan.InProgress(); cur != nil {
		return nil, fmt.Errorf("%w: step %d still in progress", domain.ErrPlanInconsistency, cur.StepNum)
	}
	start := -1
	for i, tpl := range canonical {
		if tpl.tool == fromTool {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: %s is not a pipeline tool", domain.ErrPlanInconsistency, fromTool)
	}

	plan.SkipPending("superseded by replan: " + reason)
	next := 1
	if n := len(plan.Steps); n > 0 {
		next = plan.Steps[n-1].StepNum + 1
	}
	fresh := p.steps(inc, canonical[start:], next)
	plan.Steps = append(plan.Steps, fresh...)
	plan.ReplanCount++
	plan.ReplanReason = reason
	plan.Status = domain.PlanStatusReplanned
	return fresh, nil
}
