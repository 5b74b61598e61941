package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xiaot623/sentinel/internal/domain"
	"github.com/xiaot623/sentinel/internal/metrics"
)

// StateTable holds one AgentState per identity. Each entry has its own lock
// and an occupancy slot, so incidents contending for the same agent take turns.
type StateTable struct {
	entries map[Name]*stateEntry
	window  time.Duration
	now     func() time.Time
}

type stateEntry struct {
	slot     chan struct{}
	mu       sync.Mutex
	state    domain.AgentState
	revertAt time.Time
}

// NewStateTable creates the table with every agent idle. window is how long
// a done or error status stays visible before reverting to idle.
func NewStateTable(window time.Duration) *StateTable {
	t := &StateTable{
		entries: make(map[Name]*stateEntry, len(All)),
		window:  window,
		now:     time.Now,
	}
	for _, n := range All {
		t.entries[n] = &stateEntry{
			slot:  make(chan struct{}, 1),
			state: domain.AgentState{Name: string(n), Status: domain.AgentStatusIdle},
		}
		publishStatus(n, domain.AgentStatusIdle)
	}
	return t
}

func (t *StateTable) entry(name Name) (*stateEntry, error) {
	e, ok := t.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return e, nil
}

// Acquire waits for the agent to be free, then marks it working.
func (t *StateTable) Acquire(ctx context.Context, name Name, incidentID, action string) (domain.AgentState, error) {
	e, err := t.entry(name)
	if err != nil {
		return domain.AgentState{}, err
	}
	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return domain.AgentState{}, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := t.now()
	e.state.Status = domain.AgentStatusWorking
	e.state.LastAction = action
	e.state.LastActionAt = &now
	e.state.CurrentIncident = incidentID
	e.revertAt = time.Time{}
	publishStatus(name, e.state.Status)
	return e.state, nil
}

// Release frees the agent and records the outcome of its last action.
func (t *StateTable) Release(name Name, ok bool, action string) domain.AgentState {
	e, err := t.entry(name)
	if err != nil {
		return domain.AgentState{}
	}
	e.mu.Lock()
	now := t.now()
	e.state.Status = domain.AgentStatusDone
	if !ok {
		e.state.Status = domain.AgentStatusError
	}
	e.state.LastAction = action
	e.state.LastActionAt = &now
	e.state.CurrentIncident = ""
	e.revertAt = now.Add(t.window)
	publishStatus(name, e.state.Status)
	snapshot := e.state
	e.mu.Unlock()

	<-e.slot
	return snapshot
}

// RevertIdle flips done and error entries whose display window has passed
// back to idle, returning the agents that changed.
func (t *StateTable) RevertIdle(now time.Time) []domain.AgentState {
	var reverted []domain.AgentState
	for _, n := range All {
		e := t.entries[n]
		e.mu.Lock()
		st := e.state.Status
		if (st == domain.AgentStatusDone || st == domain.AgentStatusError) &&
			!e.revertAt.IsZero() && !now.Before(e.revertAt) {
			e.state.Status = domain.AgentStatusIdle
			e.revertAt = time.Time{}
			publishStatus(n, e.state.Status)
			reverted = append(reverted, e.state)
		}
		e.mu.Unlock()
	}
	return reverted
}

// RecordHandled bumps the handled-incident counter of an agent.
func (t *StateTable) RecordHandled(name Name) {
	e, err := t.entry(name)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.state.IncidentsHandled++
	e.mu.Unlock()
}

// Reset returns every agent to idle. Counters survive.
func (t *StateTable) Reset() {
	for _, n := range All {
		e := t.entries[n]
		e.mu.Lock()
		e.state.Status = domain.AgentStatusIdle
		e.state.LastAction = ""
		e.state.LastActionAt = nil
		e.state.CurrentIncident = ""
		e.revertAt = time.Time{}
		publishStatus(n, e.state.Status)
		e.mu.Unlock()
	}
}

// Get returns a copy of one agent's state.
func (t *StateTable) Get(name Name) (domain.AgentState, error) {
	e, err := t.entry(name)
	if err != nil {
		return domain.AgentState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// Snapshot returns every agent's state in pipeline order.
func (t *StateTable) Snapshot() []domain.AgentState {
	out := make([]domain.AgentState, 0, len(All))
	for _, n := range All {
		st, _ := t.Get(n)
		out = append(out, st)
	}
	return out
}

var agentStatuses = []domain.AgentStatus{
	domain.AgentStatusIdle,
	domain.AgentStatusWorking,
	domain.AgentStatusDone,
	domain.AgentStatusError,
}

func publishStatus(name Name, status domain.AgentStatus) {
	for _, s := range agentStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		metrics.AgentStatus.WithLabelValues(string(name), string(s)).Set(v)
	}
}
