// Package server is the control plane's front door: a gin API over the
// mission store, the orchestrator, and the deployment manager, plus a
// WebSocket hub that relays bus events to connected front ends.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/httpmw"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/events/bus"
	"github.com/clawdeck/clawdeck/internal/orchestrator"
)

const serviceName = "clawdeck"

// Deps carries the services the HTTP surface exposes.
type Deps struct {
	Missions     Missions
	Chat         ChatReader
	Orchestrator Orchestrator
	Deployments  Deployments
	Mentions     MentionRouter
	Bus          bus.EventBus

	// OnComplete is attached to every task submitted over HTTP.
	OnComplete func(*orchestrator.Task)
}

// Server owns the HTTP listener and the WebSocket hub.
type Server struct {
	cfg    config.ServerConfig
	logger *logger.Logger
	router *gin.Engine
	hub    *Hub
	http   *http.Server

	hubCancel context.CancelFunc
}

// New builds the router. Nothing listens until Start.
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "server"))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := NewHub(deps.Bus, log)
	h := &handlers{
		logger:      log,
		missions:    deps.Missions,
		chat:        deps.Chat,
		orch:        deps.Orchestrator,
		deployments: deps.Deployments,
		mentions:    deps.Mentions,
		bus:         deps.Bus,
		onComplete:  deps.OnComplete,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, serviceName))
	router.Use(httpmw.OtelTracing(serviceName))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"service":    serviceName,
			"ws_clients": hub.clientCount(),
		})
	})

	api := router.Group("/api/v1")
	{
		api.GET("/missions", h.listMissions)
		api.GET("/missions/:id", h.getMission)
		api.GET("/missions/:id/chat", h.getMissionChat)
		api.POST("/missions/:id/merge", h.mergeMission)

		api.POST("/mention", h.postMention)

		api.POST("/orchestrate", h.submitTask)
		api.GET("/orchestrate", h.listTasks)
		api.GET("/orchestrate/:id", h.getTask)
		api.DELETE("/orchestrate/:id", h.cancelTask)

		api.GET("/deployments", h.listDeployments)
		api.POST("/deployments", h.configureDeployment)
		api.GET("/deployments/:id", h.getDeployment)
		api.POST("/deployments/:id/start", h.startDeployment)
		api.POST("/deployments/:id/stop", h.stopDeployment)
		api.POST("/deployments/:id/restart", h.restartDeployment)
		api.DELETE("/deployments/:id", h.removeDeployment)
		api.PATCH("/deployments/:id/env", h.updateDeploymentEnv)
		api.GET("/deployments/:id/logs", h.deploymentLogs)
		api.POST("/deployments/:id/master", h.setMasterDeployment)
	}

	// The hub sets its own read/write deadlines once the connection is
	// hijacked, so the server timeouts below only govern plain requests.
	router.GET("/ws", hub.HandleConnection)

	return &Server{
		cfg:    cfg.Server,
		logger: log,
		router: router,
		hub:    hub,
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		},
	}
}

// Start binds the listener and serves in the background. A bind failure
// is returned synchronously so a second instance fails fast.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}

	hubCtx, cancel := context.WithCancel(ctx)
	s.hubCancel = cancel
	go s.hub.Run(hubCtx)

	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the listener, then the hub, waiting up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if s.hubCancel != nil {
		s.hubCancel()
	}
	return err
}
