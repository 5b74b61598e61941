package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/xiaot623/sentinel/internal/domain"
)

// DeployAgent rolls out a fix after running the test suite and pre-deploy checks.
type DeployAgent struct {
	delay       time.Duration
	successRate float64
	release     atomic.Int64
}

// NewDeploy creates a simulated Deploy agent. successRate is the probability
// that a rollout passes its health check.
func NewDeploy(delay time.Duration, successRate float64) *DeployAgent {
	return &DeployAgent{delay: delay, successRate: successRate}
}

func (a *DeployAgent) Name() Name { return Deploy }

func (a *DeployAgent) Capabilities() []Capability {
	return []Capability{CapExecuteDeployment, CapRollback}
}

func (a *DeployAgent) Invoke(ctx context.Context, capability Capability, ictx domain.IncidentContext) (json.RawMessage, error) {
	switch capability {
	case CapExecuteDeployment:
		result, err := a.deploy(ctx, ictx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	case CapRollback:
		if err := pause(ctx, a.delay); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"service":     ictx.Service,
			"rolled_back": true,
			"version":     "previous",
		})
	}
	return nil, unsupported(Deploy, capability)
}

func (a *DeployAgent) deploy(ctx context.Context, ictx domain.IncidentContext) (*domain.DeploymentResult, error) {
	if ictx.Fix == nil {
		return nil, fmt.Errorf("%w: execute_deployment needs a fix", ErrMissingInput)
	}
	start := time.Now()
	version := fmt.Sprintf("v1.%d.0-%s", a.release.Add(1), ictx.Fix.FixID)

	// test suite
	if err := pause(ctx, a.delay); err != nil {
		return nil, err
	}
	if ictx.Fix.Diff == "" {
		return &domain.DeploymentResult{
			Version: version,
			Healthy: false,
			Reason:  "test suite failed: patch is empty",
		}, nil
	}

	// pre-deploy validation
	if err := pause(ctx, a.delay); err != nil {
		return nil, err
	}
	if ictx.Fix.FilePath == "" {
		return &domain.DeploymentResult{
			Version: version,
			Healthy: false,
			Reason:  "pre-deploy validation failed: no target file",
		}, nil
	}

	// rollout
	if err := pause(ctx, a.delay); err != nil {
		return nil, err
	}
	result := &domain.DeploymentResult{
		Version:         version,
		ReplicasUpdated: 3,
		Healthy:         rand.Float64() < a.successRate,
		RolloutSeconds:  time.Since(start).Seconds(),
	}
	if !result.Healthy {
		result.Reason = "post-rollout health check failed: error rate above SLO"
	}
	return result, nil
}
