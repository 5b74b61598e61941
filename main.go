package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/sentinel/internal/adapter/agentclient"
	"github.com/xiaot623/sentinel/internal/agents"
	"github.com/xiaot623/sentinel/internal/config"
	"github.com/xiaot623/sentinel/internal/hub"
	"github.com/xiaot623/sentinel/internal/pkg/ctxlog"
	"github.com/xiaot623/sentinel/internal/repository"
	"github.com/xiaot623/sentinel/internal/service"
	"github.com/xiaot623/sentinel/internal/tools"
	"github.com/xiaot623/sentinel/internal/tracing"
	handler "github.com/xiaot623/sentinel/internal/transport/http"
	"github.com/xiaot623/sentinel/policy"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := ctxlog.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting orchestrator",
		"http_port", cfg.HTTPPort,
		"internal_port", cfg.InternalPort,
		"database", cfg.DatabaseURL,
		"remote_agents", len(cfg.AgentEndpoints),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:  cfg.TracingEnabled,
		Endpoint: cfg.TracingEndpoint,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL, repository.Limits{
		MaxCalls:  cfg.CallLogSize,
		MaxEvents: cfg.EventJournalSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	// Initialize agents
	pool, err := agents.NewDefaultPool(agents.Options{
		Timeout:           cfg.AgentTimeout,
		Delay:             cfg.SimulationDelay,
		DeploySuccessRate: cfg.DeploySuccessRate,
		Endpoints:         cfg.AgentEndpoints,
		Client:            agentclient.NewClient(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize agents: %w", err)
	}

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	h := hub.New(cfg.ObserverBuffer, logger)

	svc := service.New(service.Deps{
		Store:    db,
		Pool:     pool,
		States:   agents.NewStateTable(cfg.AgentIdleWindow),
		Hub:      h,
		Registry: tools.DefaultRegistry,
		Policy:   policyEngine,
		Config:   cfg,
		Logger:   logger,
	})

	externalServer := handler.NewExternalServer(svc, h, cfg)
	internalServer := handler.NewInternalServer()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.Run(gctx)
		return nil
	})
	g.Go(func() error {
		svc.RunAgentIdleMonitor(gctx)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("external API listening", "addr", addr)
		if err := externalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("external server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		logger.Info("internal API listening", "addr", addr)
		if err := internalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("internal server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down orchestrator")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Warn("runs did not stop in time", "error", err)
		}
		if err := externalServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown external server gracefully", "error", err)
		}
		if err := internalServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown internal server gracefully", "error", err)
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("orchestrator stopped")
	return nil
}
