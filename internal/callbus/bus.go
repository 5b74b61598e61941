// Package callbus records and correlates every agent-to-agent invocation.
package callbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/sentinel/internal/agents"
	"github.com/xiaot623/sentinel/internal/domain"
	"github.com/xiaot623/sentinel/internal/metrics"
	"github.com/xiaot623/sentinel/internal/pkg/ctxlog"
	"github.com/xiaot623/sentinel/internal/tools"
	"github.com/xiaot623/sentinel/internal/tracing"
)

// ErrUnknownTool is returned when a call names a tool outside the catalog.
var ErrUnknownTool = tools.ErrUnknownTool

// ErrAgedOut is the error recorded on a call evicted from the in-flight table.
var ErrAgedOut = errors.New("call aged out without a response")

const maxInFlight = 4096

// Publisher receives call and agent activity events.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event)
}

// Invoker dispatches a capability to a pool member.
type Invoker interface {
	Invoke(ctx context.Context, name agents.Name, capability agents.Capability, ictx domain.IncidentContext) (json.RawMessage, error)
}

// CallLog persists resolved calls.
type CallLog interface {
	AppendCall(ctx context.Context, call *domain.CallRecord) error
	GetCall(ctx context.Context, callID string) (*domain.CallRecord, error)
	ListCalls(ctx context.Context, filter domain.CallFilter) ([]*domain.CallRecord, error)
	ClearCalls(ctx context.Context) (int, error)
}

// Request describes one call.
type Request struct {
	IncidentID string
	From       agents.Name
	ToolName   string
	Params     json.RawMessage
	Incident   domain.IncidentContext
}

// Config wires a Bus.
type Config struct {
	Registry *tools.Registry
	Pool     Invoker
	States   *agents.StateTable
	Log      CallLog
	Events   Publisher
	// AgeOut bounds how long a call may stay in flight before it is settled
	// as an error. Zero disables age-out.
	AgeOut time.Duration
	Logger *slog.Logger
}

// pending is an in-flight call. Whoever settles it first, the agent response
// or the age-out, owns the mcp_response for that call.
type pending struct {
	mu   sync.Mutex
	rec  *domain.CallRecord
	gen  uint64
	once sync.Once
}

func (p *pending) snapshot() *domain.CallRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.Clone()
}

// Bus is the call substrate shared by all incidents.
type Bus struct {
	registry *tools.Registry
	pool     Invoker
	states   *agents.StateTable
	log      CallLog
	events   Publisher
	logger   *slog.Logger
	tracer   trace.Tracer

	inflight *expirable.LRU[string, *pending]
	gen      atomic.Uint64
	now      func() time.Time
}

// New creates a bus.
func New(cfg Config) *Bus {
	registry := cfg.Registry
	if registry == nil {
		registry = tools.DefaultRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		registry: registry,
		pool:     cfg.Pool,
		states:   cfg.States,
		log:      cfg.Log,
		events:   cfg.Events,
		logger:   logger.With("component", "callbus"),
		tracer:   tracing.Tracer("sentinel/callbus"),
		now:      time.Now,
	}
	b.inflight = expirable.NewLRU[string, *pending](maxInFlight, b.onEvict, cfg.AgeOut)
	return b
}

// Call resolves the tool, records the call as in flight and invokes the
// target agent synchronously. Agent failures come back as a record with status
// error; the returned error is reserved for calls that could not be issued.
func (b *Bus) Call(ctx context.Context, req Request) (*domain.CallRecord, error) {
	tool, err := b.registry.Lookup(req.ToolName)
	if err != nil {
		return nil, err
	}
	from := req.From
	if from == "" {
		from = agents.External
	}

	rec := &domain.CallRecord{
		CallID:     "mcp-" + uuid.NewString()[:8],
		IncidentID: req.IncidentID,
		FromAgent:  string(from),
		ToAgent:    string(tool.Agent),
		ToolName:   tool.Name(),
		Params:     req.Params,
		Status:     domain.CallStatusInProgress,
		StartedAt:  b.now(),
	}

	ctx, span := b.tracer.Start(ctx, "callbus.Call", trace.WithAttributes(
		attribute.String("call_id", rec.CallID),
		attribute.String("tool", rec.ToolName),
		attribute.String("incident_id", req.IncidentID),
	))
	defer span.End()
	ctx = ctxlog.With(ctx, "call_id", rec.CallID, "tool", rec.ToolName)
	logger := ctxlog.FromContext(ctx)

	p := &pending{rec: rec, gen: b.gen.Load()}
	b.emit(ctx, domain.EventTypeMCPCall, string(from), req.IncidentID, rec.Clone())
	b.inflight.Add(rec.CallID, p)
	logger.Debug("call issued", "from", from, "to", tool.Agent)

	action := string(tool.Capability)
	ictx := req.Incident
	if ictx.IncidentID == "" {
		ictx.IncidentID = req.IncidentID
	}
	if len(req.Params) > 0 && len(ictx.Params) == 0 {
		ictx.Params = req.Params
	}

	var payload json.RawMessage
	var callErr error
	if _, err := b.states.Acquire(ctx, tool.Agent, req.IncidentID, action); err != nil {
		callErr = fmt.Errorf("acquire %s: %w", tool.Agent, err)
	} else {
		b.activity(ctx, tool.Agent, req.IncidentID, domain.AgentStatusWorking, action, "")
		payload, callErr = b.pool.Invoke(agents.WithCallID(ctx, rec.CallID), tool.Agent, tool.Capability, ictx)
		released := b.states.Release(tool.Agent, callErr == nil, action)
		details := ""
		if callErr != nil {
			details = callErr.Error()
		}
		b.activity(ctx, tool.Agent, req.IncidentID, released.Status, action, details)
	}

	settled := b.settle(p, payload, callErr)
	if !settled {
		logger.Warn("dropping late response for aged-out call")
		span.SetStatus(codes.Error, ErrAgedOut.Error())
		return p.snapshot(), nil
	}
	b.inflight.Remove(rec.CallID)

	if callErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, callErr.Error())
		logger.Error("agent call failed", "error", callErr)
	}
	b.finish(ctx, p)
	return p.snapshot(), nil
}

// settle resolves the record with the agent's answer unless age-out got there
// first.
func (b *Bus) settle(p *pending, payload json.RawMessage, callErr error) bool {
	settled := false
	p.once.Do(func() {
		settled = true
		p.mu.Lock()
		defer p.mu.Unlock()
		now := b.now()
		p.rec.CompletedAt = &now
		p.rec.ElapsedMs = now.Sub(p.rec.StartedAt).Milliseconds()
		if callErr != nil {
			p.rec.Status = domain.CallStatusError
			p.rec.Error = callErr.Error()
			return
		}
		p.rec.Status = domain.CallStatusSuccess
		p.rec.Result = payload
	})
	return settled
}

// onEvict runs under the in-flight table's lock, both for explicit removal and
// for age-out. Only the age-out path still finds the call unsettled.
func (b *Bus) onEvict(callID string, p *pending) {
	aged := false
	p.once.Do(func() {
		aged = true
		p.mu.Lock()
		defer p.mu.Unlock()
		now := b.now()
		p.rec.CompletedAt = &now
		p.rec.ElapsedMs = now.Sub(p.rec.StartedAt).Milliseconds()
		p.rec.Status = domain.CallStatusError
		p.rec.Error = ErrAgedOut.Error()
	})
	if !aged {
		return
	}
	metrics.CallsAgedOut.Inc()
	b.logger.Warn("call aged out", "call_id", callID, "tool", p.rec.ToolName)
	go b.finish(context.Background(), p)
}

// finish records a settled call and emits its mcp_response.
func (b *Bus) finish(ctx context.Context, p *pending) {
	rec := p.snapshot()
	metrics.CallDuration.WithLabelValues(rec.ToolName, string(rec.Status)).
		Observe(float64(rec.ElapsedMs) / 1000)
	if p.gen == b.gen.Load() {
		if err := b.log.AppendCall(context.WithoutCancel(ctx), rec); err != nil {
			ctxlog.FromContext(ctx).Warn("failed to record call", "call_id", rec.CallID, "error", err)
		}
	}
	b.emit(ctx, domain.EventTypeMCPResponse, rec.ToAgent, rec.IncidentID, rec.Clone())
}

func (b *Bus) activity(ctx context.Context, agent agents.Name, incidentID string, status domain.AgentStatus, action, details string) {
	b.emit(ctx, domain.EventTypeAgentActivity, string(agent), incidentID, domain.AgentActivityData{
		Agent:     string(agent),
		Status:    status,
		Action:    action,
		Details:   details,
		Timestamp: b.now(),
	})
}

func (b *Bus) emit(ctx context.Context, eventType domain.EventType, agent, incidentID string, data any) {
	if b.events == nil {
		return
	}
	evt, err := domain.NewEvent(eventType, agent, incidentID, data, b.now())
	if err != nil {
		ctxlog.FromContext(ctx).Warn("failed to encode event", "event_type", eventType, "error", err)
		return
	}
	b.events.Publish(ctx, evt)
}

// Get returns a logged call, falling back to calls still in flight.
func (b *Bus) Get(ctx context.Context, callID string) (*domain.CallRecord, error) {
	rec, err := b.log.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	if p, ok := b.inflight.Peek(callID); ok {
		return p.snapshot(), nil
	}
	return nil, nil
}

// Calls lists the call log.
func (b *Bus) Calls(ctx context.Context, filter domain.CallFilter) ([]*domain.CallRecord, error) {
	return b.log.ListCalls(ctx, filter)
}

// InFlight returns the number of unresolved calls.
func (b *Bus) InFlight() int {
	return b.inflight.Len()
}

// Clear empties the call log. Calls already in flight still emit their
// response but are not written back to the emptied log.
func (b *Bus) Clear(ctx context.Context) (int, error) {
	b.gen.Add(1)
	return b.log.ClearCalls(ctx)
}
