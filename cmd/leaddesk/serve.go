package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/leaddesk/internal/api"
	"github.com/opensource-finance/leaddesk/internal/bus"
	"github.com/opensource-finance/leaddesk/internal/cache"
	"github.com/opensource-finance/leaddesk/internal/domain"
	"github.com/opensource-finance/leaddesk/internal/fulfillment"
	"github.com/opensource-finance/leaddesk/internal/quota"
	"github.com/opensource-finance/leaddesk/internal/repository"
	"github.com/opensource-finance/leaddesk/internal/rules"
	"github.com/opensource-finance/leaddesk/internal/selection"
	"github.com/opensource-finance/leaddesk/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *domain.Config) error {
	slog.Info("starting leaddesk",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"deployment", cfg.Deployment,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Selection tier tables
	registry, err := loadRegistry(cfg.Selection)
	if err != nil {
		return err
	}
	for _, p := range registry.Policies() {
		slog.Info("selection policy loaded", "lead_type", p.LeadType, "tiers", len(p.Tiers))
	}

	// Eligibility engine with admin rules from the database
	engine, err := rules.NewEngine(100)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	svc := fulfillment.NewService(repo, engine, registry, busImpl, cfg.Fulfillment)
	limiter := quota.NewLimiter(cacheImpl, cfg.Quota)

	// The channel bus only reaches this process, so async orders need a
	// local worker even when async workers are not requested explicitly.
	var asyncWorker *worker.Worker
	if cfg.Fulfillment.AsyncWorkers || cfg.EventBus.Type == "channel" {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{Concurrency: 5, Timeout: time.Minute}); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Dependencies{
		Repo:           repo,
		Cache:          cacheImpl,
		Engine:         engine,
		Fulfillment:    svc,
		Quota:          limiter,
		OrderTTL:       cfg.Cache.OrderTTL,
		IdempotencyTTL: cfg.Cache.IdempotencyTTL,
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("leaddesk is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("leaddesk shutdown complete")
	return nil
}

func loadRegistry(cfg domain.SelectionConfig) (*selection.Registry, error) {
	if cfg.PolicyFile == "" {
		return selection.DefaultRegistry(), nil
	}
	registry, err := selection.LoadRegistryFile(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load selection policies: %w", err)
	}
	return registry, nil
}

// loadRulesFromDatabase loads admin eligibility rules into the engine.
// A database without rules still runs with the built-in exclusions.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRules(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no admin rules in database - configure via POST /rules API")
	return nil
}
