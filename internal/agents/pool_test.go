package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/sentinel/internal/adapter/agentclient"
	"github.com/xiaot623/sentinel/internal/domain"
)

type stubAgent struct {
	name Name
	caps []Capability
	fn   func(ctx context.Context) (json.RawMessage, error)
}

func (s *stubAgent) Name() Name                 { return s.name }
func (s *stubAgent) Capabilities() []Capability { return s.caps }
func (s *stubAgent) Invoke(ctx context.Context, _ Capability, _ domain.IncidentContext) (json.RawMessage, error) {
	return s.fn(ctx)
}

func TestNewPoolRequiresAllAgents(t *testing.T) {
	_, err := NewPool(0, NewMonitor(0), NewDiagnostic(0), NewFixer(0, ""))
	assert.Error(t, err)

	_, err = NewPool(0, NewMonitor(0), NewMonitor(0), NewDiagnostic(0), NewFixer(0, ""), NewDeploy(0, 1))
	assert.Error(t, err)

	p, err := NewPool(0, NewMonitor(0), NewDiagnostic(0), NewFixer(0, ""), NewDeploy(0, 1))
	require.NoError(t, err)
	assert.True(t, p.Supports(Deploy, CapRollback))
	assert.False(t, p.Supports(Deploy, CapGetMetrics))
}

func TestPoolInvokeTimesOutHungAgent(t *testing.T) {
	hung := &stubAgent{name: Diagnostic, caps: []Capability{CapAnalyzeIncident}, fn: func(ctx context.Context) (json.RawMessage, error) {
		time.Sleep(time.Second)
		return json.RawMessage(`{}`), nil
	}}
	p, err := NewPool(20*time.Millisecond, NewMonitor(0), hung, NewFixer(0, ""), NewDeploy(0, 1))
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Invoke(context.Background(), Diagnostic, CapAnalyzeIncident, domain.IncidentContext{})
	assert.ErrorIs(t, err, ErrAgentTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPoolInvokeUnsupportedCapability(t *testing.T) {
	p, err := NewDefaultPool(Options{})
	require.NoError(t, err)
	_, err = p.Invoke(context.Background(), Fixer, CapRollback, domain.IncidentContext{})
	assert.ErrorIs(t, err, ErrUnsupportedCapability)
}

func TestNewDefaultPoolRejectsUnknownEndpointName(t *testing.T) {
	_, err := NewDefaultPool(Options{Endpoints: map[string]string{"janitor": "http://x"}})
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestNewDefaultPoolUsesRemoteAgent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: progress\ndata: {}\n\n")
		fmt.Fprint(w, "event: result\ndata: {\"root_cause\":\"remote\",\"confidence\":0.9}\n\n")
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
	}))
	defer server.Close()

	p, err := NewDefaultPool(Options{
		Endpoints: map[string]string{"diagnostic": server.URL},
		Client:    agentclient.NewClient(),
	})
	require.NoError(t, err)

	a, err := p.Get(Diagnostic)
	require.NoError(t, err)
	_, isRemote := a.(*RemoteAgent)
	assert.True(t, isRemote)

	raw, err := p.Invoke(WithCallID(context.Background(), "mcp-1"), Diagnostic, CapAnalyzeIncident, domain.IncidentContext{IncidentID: "INC-1"})
	require.NoError(t, err)
	var d domain.Diagnosis
	require.NoError(t, json.Unmarshal(raw, &d))
	assert.Equal(t, "remote", d.RootCause)
}

func TestRemoteAgentErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"message\":\"model unavailable\"}\n\n")
	}))
	defer server.Close()

	a := NewRemote(Fixer, server.URL, []Capability{CapGeneratePatch}, agentclient.NewClient())
	_, err := a.Invoke(context.Background(), CapGeneratePatch, domain.IncidentContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestRemoteAgentWithoutResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
	}))
	defer server.Close()

	a := NewRemote(Deploy, server.URL, []Capability{CapRollback}, agentclient.NewClient())
	_, err := a.Invoke(context.Background(), CapRollback, domain.IncidentContext{})
	assert.Error(t, err)
}
