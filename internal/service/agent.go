package service

import (
	"context"
	"time"

	"github.com/xiaot623/sentinel/internal/agents"
	"github.com/xiaot623/sentinel/internal/domain"
)

// Agents returns the AgentState table with the tools each agent serves.
func (s *Service) Agents(ctx context.Context) []domain.AgentInfo {
	states := s.states.Snapshot()
	out := make([]domain.AgentInfo, 0, len(states))
	for _, st := range states {
		info := domain.AgentInfo{AgentState: st, Tools: []domain.ToolInfo{}}
		for _, t := range s.registry.ForAgent(agents.Name(st.Name)) {
			info.Tools = append(info.Tools, t.Info())
		}
		out = append(out, info)
	}
	return out
}

// Tools lists the tool catalog.
func (s *Service) Tools(ctx context.Context) []domain.ToolInfo {
	list := s.registry.List()
	out := make([]domain.ToolInfo, 0, len(list))
	for _, t := range list {
		out = append(out, t.Info())
	}
	return out
}

// RunAgentIdleMonitor reverts done and error agents to idle once their
// display window has passed.
func (s *Service) RunAgentIdleMonitor(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdleAgents(ctx)
		}
	}
}

func (s *Service) sweepIdleAgents(ctx context.Context) {
	now := s.now()
	for _, st := range s.states.RevertIdle(now) {
		s.recordEvent(ctx, domain.EventTypeAgentActivity, st.Name, "", domain.AgentActivityData{
			Agent:     st.Name,
			Status:    st.Status,
			Action:    "idle",
			Timestamp: now,
		})
	}
}
