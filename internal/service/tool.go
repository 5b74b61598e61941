package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaot623/sentinel/internal/agents"
	"github.com/xiaot623/sentinel/internal/callbus"
	"github.com/xiaot623/sentinel/internal/domain"
	"github.com/xiaot623/sentinel/internal/pkg/ctxlog"
	"github.com/xiaot623/sentinel/policy"
)

var (
	// ErrInvalidParams is returned when manual invocation params are not a JSON object.
	ErrInvalidParams = errors.New("params must be a JSON object")
	// ErrInvalidCaller is returned when from_agent names no known caller.
	ErrInvalidCaller = errors.New("from_agent must be external or an agent name")
)

// InvokeTool calls an agent tool outside any plan. The call is recorded on the
// bus like any other but touches no incident.
func (s *Service) InvokeTool(ctx context.Context, toolName string, req domain.ToolInvokeRequest) (*domain.CallRecord, error) {
	tool, err := s.registry.Lookup(toolName)
	if err != nil {
		return nil, err
	}

	args := map[string]any{}
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}

	from := agents.External
	if req.FromAgent != "" {
		from = agents.Name(req.FromAgent)
		if from != agents.External && !from.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCaller, req.FromAgent)
		}
	}

	if s.policy != nil {
		decision, reason, err := s.policy.Evaluate(ctx, policy.Input{
			ToolName:   tool.Name(),
			Agent:      string(tool.Agent),
			Capability: string(tool.Capability),
			FromAgent:  string(from),
			Params:     args,
		})
		if err != nil {
			return nil, fmt.Errorf("policy evaluation failed: %w", err)
		}
		if decision != policy.DecisionAllow {
			ctxlog.FromContext(ctx).Warn("manual invocation blocked", "tool", tool.Name(), "reason", reason)
			return nil, fmt.Errorf("%w: %s", ErrPolicyBlocked, reason)
		}
	}

	var ictx domain.IncidentContext
	if len(req.Params) > 0 {
		// Best effort: params may carry service, metrics, diagnosis or fix.
		_ = json.Unmarshal(req.Params, &ictx)
	}
	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return s.bus.Call(ctx, callbus.Request{
		From:     from,
		ToolName: tool.Name(),
		Params:   params,
		Incident: ictx,
	})
}

// ReplayCall re-issues a logged call's tool and params as a manual invocation.
// req.Confirm adds confirm=true to the params for tools the policy guards.
func (s *Service) ReplayCall(ctx context.Context, callID string, req domain.ReplayRequest) (*domain.CallRecord, error) {
	rec, err := s.bus.Get(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	params := rec.Params
	if req.Confirm {
		args := map[string]any{}
		if len(params) > 0 && string(params) != "null" {
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
			}
		}
		args["confirm"] = true
		if params, err = json.Marshal(args); err != nil {
			return nil, fmt.Errorf("failed to encode params: %w", err)
		}
	}
	ctxlog.FromContext(ctx).Info("replaying call", "call_id", callID, "tool", rec.ToolName, "confirm", req.Confirm)
	return s.InvokeTool(ctx, rec.ToolName, domain.ToolInvokeRequest{Params: params})
}

// ListCalls returns the most recent calls, newest first.
func (s *Service) ListCalls(ctx context.Context, incidentID string, limit int) (*domain.CallLogResponse, error) {
	calls, err := s.bus.Calls(ctx, domain.CallFilter{IncidentID: incidentID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	return &domain.CallLogResponse{Calls: calls, Total: len(calls)}, nil
}
