// Package policy guards manual tool invocations with an OPA policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions a policy may return.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input is what the policy sees for one invocation.
type Input struct {
	ToolName   string         `json:"tool_name"`
	Agent      string         `json:"agent"`
	Capability string         `json:"capability"`
	FromAgent  string         `json:"from_agent"`
	Params     map[string]any `json:"params"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks the tool policy.
// The rule may produce a bare decision string or an object with decision and reason.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, string, error) {
	if input.Params == nil {
		input.Params = map[string]any{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "default", nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return v, "", nil
	case map[string]any:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == "" {
			return "", "", fmt.Errorf("policy result has no decision")
		}
		return decision, reason, nil
	}
	return "", "", fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package tool_policy

default decision = {"decision": "allow", "reason": ""}

# Deployments and rollbacks touch production; manual runs must opt in.
decision = {"decision": "block", "reason": "deploy tools require params.confirm=true"} {
	input.agent == "deploy"
	not input.params.confirm == true
}
`
