package internal

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/concordlabs/concord/internal/config"
	"github.com/concordlabs/concord/internal/engine"
	"github.com/concordlabs/concord/internal/server"
)

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination service",
		Long:  `Run the coordination service with its HTTP status and metrics endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.InheritedFlags().GetString("config")
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return runService(cmd.Context(), cfg, logger)
		},
	}
}

// runService wires the engine components together, starts the observability
// server, and blocks until a termination signal arrives.
func runService(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	metrics := engine.NewMetricsCollector(registry)

	events := engine.NewEventBus(256)
	defer events.Close()

	breakers := engine.NewCircuitBreakerManager(cfg.Breaker, logger, events)
	defer breakers.Close()

	classifier := engine.NewErrorClassifier(cfg.Retry.CategoryPolicies)
	executor := engine.NewResilientExecutor(cfg.Retry, classifier, breakers, metrics, logger)

	resolver := engine.NewConflictResolver(cfg.Resolver, logger, events, metrics)
	resolver.Start(ctx)
	defer resolver.Close()

	synchronizer := engine.NewContextSynchronizer(cfg.Sync, logger, events, metrics)

	conditions, err := engine.NewConditionEvaluator()
	if err != nil {
		return err
	}
	orchestrator := engine.NewWorkflowOrchestrator(cfg.Orchestrator, logger, events, metrics, conditions, executor)

	health := engine.NewHealthChecker(metrics, breakers, resolver, synchronizer, orchestrator)

	srv := server.New(cfg.Server, logger, server.Components{
		Health:       health,
		Metrics:      metrics,
		Breakers:     breakers,
		Orchestrator: orchestrator,
		Resolver:     resolver,
		Synchronizer: synchronizer,
		Registry:     registry,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("shutting down", zap.String("reason", "context cancelled"))
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		return err
	}
	return <-errCh
}
