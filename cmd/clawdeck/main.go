// Package main is the unified entry point for Clawdeck.
// One binary runs the whole control plane: the deployment manager, the
// gateway client pool, the orchestrator pipeline, the mention router,
// and the HTTP + WebSocket API in front of them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	// Common packages
	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/common/tracing"

	// Event bus
	"github.com/clawdeck/clawdeck/internal/events"

	// Persistence
	"github.com/clawdeck/clawdeck/internal/db"
	missionsvc "github.com/clawdeck/clawdeck/internal/mission/service"
	"github.com/clawdeck/clawdeck/internal/mission/store"
	"github.com/clawdeck/clawdeck/internal/teamchat"

	// Deployments and gateway RPC
	"github.com/clawdeck/clawdeck/internal/deploy"
	"github.com/clawdeck/clawdeck/internal/gateway"

	// Orchestration
	"github.com/clawdeck/clawdeck/internal/llm"
	"github.com/clawdeck/clawdeck/internal/mention"
	"github.com/clawdeck/clawdeck/internal/notify"
	"github.com/clawdeck/clawdeck/internal/orchestrator"
	"github.com/clawdeck/clawdeck/internal/orchestrator/planner"

	// HTTP + WebSocket server
	"github.com/clawdeck/clawdeck/internal/server"
)

func main() {
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

	log.Info("Starting Clawdeck...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := busCleanup(); err != nil {
			log.Error("Event bus close error", zap.Error(err))
		}
	}()
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}
	eventBus := provided.Bus

	// 5. Initialize Docker client for the launch preflight
	var pinger deploy.Pinger
	dockerClient, err := deploy.NewDockerClient(cfg.Deployments.DockerHost, log)
	if err != nil {
		log.Warn("Failed to initialize Docker client - launches will skip the daemon preflight", zap.Error(err))
	} else {
		defer dockerClient.Close()
		pinger = dockerClient
		if err := dockerClient.Ping(ctx); err != nil {
			log.Warn("Docker daemon not available - deployments will fail until it returns", zap.Error(err))
		} else {
			log.Info("Connected to Docker daemon")
		}
	}

	// ============================================
	// MISSION STORE + TEAM CHAT
	// ============================================
	pool, dbCleanup, err := db.Open(&cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() {
		if err := dbCleanup(); err != nil {
			log.Error("Database close error", zap.Error(err))
		}
	}()

	repo, err := store.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize mission store", zap.Error(err))
	}

	missions := missionsvc.NewService(repo, eventBus, log)
	chat := teamchat.New(missions, log)
	log.Info("Mission store initialized")

	// ============================================
	// DEPLOYMENT MANAGER
	// ============================================
	manager, err := deploy.NewManager(cfg.Deployments, deploy.NewComposeCLI(log), pinger, log)
	if err != nil {
		log.Fatal("Failed to initialize deployment manager", zap.Error(err))
	}
	if err := manager.Restore(ctx); err != nil {
		log.Warn("Failed to restore deployments from disk", zap.Error(err))
	}
	log.Info("Deployment manager initialized",
		zap.String("root_dir", cfg.Deployments.RootDir),
		zap.Int("deployments", len(manager.List())))

	gatewayPool := gateway.NewPool(manager, gateway.Config{
		CFAccessClientID:     cfg.Deployments.CFAccessClientID,
		CFAccessClientSecret: cfg.Deployments.CFAccessClientSecret,
		Logger:               log,
	}, log)

	// ============================================
	// LLM ROUTER
	// ============================================
	settings := llm.NewStore(cfg.LLM, log)
	llmClient := llm.NewClient(settings, log)
	if llmClient.IsConfigured() {
		log.Info("LLM provider configured", zap.String("provider", string(llmClient.Provider())))
	} else {
		log.Warn("LLM provider not configured - planning and fallback execution will fail until settings are provided",
			zap.String("provider", string(llmClient.Provider())))
	}
	model := cfg.LLM.DefaultModel

	// ============================================
	// ORCHESTRATOR
	// ============================================
	plan := planner.New(llmClient, model, log)
	orchestratorSvc := orchestrator.NewService(
		cfg.Orchestrator,
		plan,
		orchestrator.NewPoolSender(gatewayPool, cfg.Orchestrator),
		llmClient,
		model,
		missions,
		chat,
		log,
	)
	log.Info("Orchestrator initialized", zap.String("model", model))

	// ============================================
	// MENTION ROUTER + NOTIFICATIONS
	// ============================================
	notifier, err := notify.NewTelegram(cfg.Telegram, log)
	if err != nil {
		log.Fatal("Failed to initialize Telegram notifier", zap.Error(err))
	}

	mentionSvc := mention.NewService(cfg.Mention, mention.NewPoolGateway(gatewayPool), missions, repo, chat, log)
	mentionSvc.SetNotifier(notifier)
	log.Info("Mention router initialized")

	// Completion notices run after the submitting request is long gone, so
	// they get their own bounded context.
	onTaskComplete := func(task *orchestrator.Task) {
		failed := task.Status == orchestrator.TaskFailed
		detail := task.FinalResult
		if failed {
			detail = task.Error
		}
		noticeCtx, noticeCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer noticeCancel()
		if err := notifier.Notify(noticeCtx, notify.TaskNotice(task.ID, failed, detail)); err != nil {
			log.Warn("Task completion notice failed",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	// ============================================
	// HTTP SERVER (WebSocket + HTTP endpoints)
	// ============================================
	srv := server.New(cfg, server.Deps{
		Missions:     missions,
		Chat:         chat,
		Orchestrator: orchestratorSvc,
		Deployments:  manager,
		Mentions:     mentionSvc,
		Bus:          eventBus,
		OnComplete:   onTaskComplete,
	}, log)
	if err := srv.Start(ctx); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Clawdeck...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := orchestratorSvc.Shutdown(shutdownCtx); err != nil {
		log.Error("Orchestrator shutdown error", zap.Error(err))
	}

	if err := mentionSvc.Shutdown(shutdownCtx); err != nil {
		log.Error("Mention monitor shutdown error", zap.Error(err))
	}

	gatewayPool.Shutdown()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Clawdeck stopped")
}
