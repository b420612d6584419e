// Package main is the entry point for the fixdev service: one binary running
// the workspace orchestrator, the webhook integrator and the REST API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/fixdev/fixdev/internal/common/config"
	"github.com/fixdev/fixdev/internal/common/logger"
	"github.com/fixdev/fixdev/internal/common/tracing"
	"github.com/fixdev/fixdev/internal/docker"
	"github.com/fixdev/fixdev/internal/events"
	"github.com/fixdev/fixdev/internal/extract"
	"github.com/fixdev/fixdev/internal/github"
	"github.com/fixdev/fixdev/internal/llm"
	"github.com/fixdev/fixdev/internal/server"
	"github.com/fixdev/fixdev/internal/store"
	"github.com/fixdev/fixdev/internal/synth"
	"github.com/fixdev/fixdev/internal/webhook"
	"github.com/fixdev/fixdev/internal/workspace"
)

func main() {
	// .env is optional; real deployments set variables directly.
	_ = godotenv.Load()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting fixdev...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory unless NATS is configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	// 4. Container daemon client
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer func() { _ = dockerClient.Close() }()
	if err := dockerClient.Ping(ctx); err != nil {
		log.WithError(err).Warn("Docker daemon not reachable at startup; workspace spawns will fail until it is")
	} else {
		log.Info("Connected to Docker daemon")
	}

	// 5. Open the store
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()
	log.Info("Store ready", zap.String("path", cfg.Database.Path))

	// 6. Provider, completion and extraction clients
	if !github.GHAvailable() {
		log.Warn("gh CLI not found in PATH; forking and PR discovery will fail")
	}
	ghClient := github.NewGHClient()
	llmClient := llm.NewHTTPClient(cfg.LLM)
	extractor := extract.NewHTTPClient(cfg.Extractor)

	// 7. Recipe synthesizer
	synthesizer, err := synth.NewSynthesizer(llmClient, log)
	if err != nil {
		log.Fatal("Failed to initialize recipe synthesizer", zap.Error(err))
	}

	// 8. Workspace runner and manager
	runner := workspace.NewRunner(st, dockerClient, synthesizer, ghClient, eventBus, cfg, log)
	manager := workspace.NewManager(runner, st, dockerClient, cfg, log)

	// 9. Repair state left behind by an unclean shutdown
	if err := manager.Reconcile(ctx); err != nil {
		log.WithError(err).Warn("Workspace reconciliation failed")
	}

	// 10. Webhook processing
	if cfg.GitHub.WebhookSecret == "" {
		log.Warn("GITHUB_WEBHOOK_SECRET not set; /webhooks/github will reject all events")
	}
	processor := webhook.NewProcessor(st, eventBus, log)
	webhookHandler := webhook.NewHandler(processor, cfg.GitHub.WebhookSecret, log)

	// 11. HTTP API
	apiServer := server.NewServer(cfg, st, manager, dockerClient, eventBus, extractor, webhookHandler, log)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down fixdev...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	manager.Shutdown(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("fixdev stopped")
}
