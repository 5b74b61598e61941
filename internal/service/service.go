// Package service coordinates incident runs, agent calls and the query surface.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/sentinel/internal/agents"
	"github.com/xiaot623/sentinel/internal/callbus"
	"github.com/xiaot623/sentinel/internal/config"
	"github.com/xiaot623/sentinel/internal/hub"
	"github.com/xiaot623/sentinel/internal/planner"
	"github.com/xiaot623/sentinel/internal/repository"
	"github.com/xiaot623/sentinel/internal/tools"
	"github.com/xiaot623/sentinel/internal/tracing"
	"github.com/xiaot623/sentinel/policy"
)

var (
	ErrIncidentNotFound = errors.New("incident not found")
	ErrAlreadyStarted   = errors.New("remediation already started")
	ErrCallNotFound     = errors.New("call not found")
	ErrPolicyBlocked    = errors.New("blocked by policy")
)

// Deps are the collaborators of a Service.
type Deps struct {
	Store    repository.Store
	Pool     callbus.Invoker
	States   *agents.StateTable
	Hub      *hub.Hub
	Registry *tools.Registry
	Policy   *policy.Engine
	Config   *config.Config
	Logger   *slog.Logger
}

type Service struct {
	store    repository.Store
	bus      *callbus.Bus
	states   *agents.StateTable
	hub      *hub.Hub
	registry *tools.Registry
	planner  *planner.Planner
	policy   *policy.Engine
	config   *config.Config
	logger   *slog.Logger
	tracer   trace.Tracer

	emitMu sync.Mutex

	mu    sync.RWMutex
	runs  map[string]*run
	order []string

	wg  sync.WaitGroup
	now func() time.Time
}

func New(deps Deps) *Service {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	registry := deps.Registry
	if registry == nil {
		registry = tools.DefaultRegistry
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    deps.Store,
		states:   deps.States,
		hub:      deps.Hub,
		registry: registry,
		planner:  planner.New(cfg.ConfidenceThreshold),
		policy:   deps.Policy,
		config:   cfg,
		logger:   logger,
		tracer:   tracing.Tracer("sentinel/service"),
		runs:     make(map[string]*run),
		now:      time.Now,
	}
	s.bus = callbus.New(callbus.Config{
		Registry: registry,
		Pool:     deps.Pool,
		States:   deps.States,
		Log:      deps.Store,
		Events:   s,
		AgeOut:   cfg.CallAgeOut,
		Logger:   logger,
	})
	return s
}

// Bus exposes the call bus.
func (s *Service) Bus() *callbus.Bus {
	return s.bus
}

// Shutdown abandons every active run and waits for their goroutines.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, r := range s.snapshotRuns() {
		s.abandon(ctx, r, "orchestrator shutting down")
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
