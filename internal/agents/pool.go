package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/xiaot623/sentinel/internal/adapter/agentclient"
	"github.com/xiaot623/sentinel/internal/domain"
)

// ErrAgentTimeout is returned when an agent does not answer within the pool timeout.
var ErrAgentTimeout = errors.New("agent invocation timed out")

// Pool holds exactly one agent per identity.
type Pool struct {
	members map[Name]Agent
	timeout time.Duration
}

// NewPool builds a pool. Every identity in All must be provided exactly once.
// A zero timeout disables the adapter-boundary deadline.
func NewPool(timeout time.Duration, members ...Agent) (*Pool, error) {
	p := &Pool{members: make(map[Name]Agent, len(All)), timeout: timeout}
	for _, m := range members {
		if !m.Name().Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, m.Name())
		}
		if _, dup := p.members[m.Name()]; dup {
			return nil, fmt.Errorf("agent %s registered twice", m.Name())
		}
		p.members[m.Name()] = m
	}
	for _, n := range All {
		if _, ok := p.members[n]; !ok {
			return nil, fmt.Errorf("agent %s missing from pool", n)
		}
	}
	return p, nil
}

// Options configure the default pool.
type Options struct {
	Timeout           time.Duration
	Delay             time.Duration
	DeploySuccessRate float64
	RepoBase          string
	// Endpoints maps agent names to remote endpoints that replace the built-in agent.
	Endpoints map[string]string
	Client    *agentclient.Client
}

// NewDefaultPool builds the rule-based agents, swapping in remote agents for
// every configured endpoint.
func NewDefaultPool(opts Options) (*Pool, error) {
	for name := range opts.Endpoints {
		if _, err := ParseName(name); err != nil {
			return nil, err
		}
	}
	repoBase := opts.RepoBase
	if repoBase == "" {
		repoBase = "https://git.example.internal"
	}
	builtin := []Agent{
		NewMonitor(opts.Delay),
		NewDiagnostic(opts.Delay),
		NewFixer(opts.Delay, repoBase),
		NewDeploy(opts.Delay, opts.DeploySuccessRate),
	}
	client := opts.Client
	if client == nil {
		client = agentclient.NewClient()
	}
	members := make([]Agent, 0, len(builtin))
	for _, a := range builtin {
		if endpoint, ok := opts.Endpoints[string(a.Name())]; ok {
			members = append(members, NewRemote(a.Name(), endpoint, a.Capabilities(), client))
			continue
		}
		members = append(members, a)
	}
	return NewPool(opts.Timeout, members...)
}

// Get returns the agent for name.
func (p *Pool) Get(name Name) (Agent, error) {
	a, ok := p.members[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return a, nil
}

// Supports reports whether the named agent serves capability.
func (p *Pool) Supports(name Name, capability Capability) bool {
	a, ok := p.members[name]
	return ok && slices.Contains(a.Capabilities(), capability)
}

type invokeResult struct {
	payload json.RawMessage
	err     error
}

// Invoke calls an agent, bounding it by the pool timeout. An agent that ignores
// cancellation is abandoned and reported as timed out.
func (p *Pool) Invoke(ctx context.Context, name Name, capability Capability, ictx domain.IncidentContext) (json.RawMessage, error) {
	a, err := p.Get(name)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(a.Capabilities(), capability) {
		return nil, unsupported(name, capability)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	done := make(chan invokeResult, 1)
	go func() {
		payload, err := a.Invoke(ctx, capability, ictx)
		done <- invokeResult{payload: payload, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s.%s after %s", ErrAgentTimeout, name, capability, p.timeout)
		}
		return res.payload, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s.%s after %s", ErrAgentTimeout, name, capability, p.timeout)
		}
		return nil, ctx.Err()
	}
}
