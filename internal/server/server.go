// Package server provides the HTTP server wiring: routes, middleware, and
// lifecycle.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sorenth/cloudcode-claude-proxy/internal/account"
	"github.com/sorenth/cloudcode-claude-proxy/internal/cloudcode"
	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/internal/format"
	"github.com/sorenth/cloudcode-claude-proxy/internal/modules"
	"github.com/sorenth/cloudcode-claude-proxy/internal/server/handlers"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
)

// Server is the main HTTP server
type Server struct {
	engine           *gin.Engine
	accountManager   *account.Manager
	cloudCodeClient  *cloudcode.Client
	usageStats       *modules.UsageStats
	cfg              *config.Config
	fallbackEnabled  bool
	strategyOverride string

	httpServer *http.Server

	initOnce    sync.Once
	initError   error
	initialized bool
}

// Options holds server configuration options
type Options struct {
	FallbackEnabled  bool
	StrategyOverride string
	Debug            bool
}

// New creates a new Server instance
func New(cfg *config.Config, accountManager *account.Manager, usageStats *modules.UsageStats, opts Options) *Server {
	if opts.Debug || cfg.DevMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	return &Server{
		engine:           engine,
		accountManager:   accountManager,
		cloudCodeClient:  cloudcode.NewClient(accountManager, cfg),
		usageStats:       usageStats,
		cfg:              cfg,
		fallbackEnabled:  opts.FallbackEnabled,
		strategyOverride: opts.StrategyOverride,
	}
}

// Initialize initializes the account manager and upstream client
func (s *Server) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		if err := s.accountManager.Initialize(ctx, s.strategyOverride); err != nil {
			s.initError = err
			utils.Error("[Server] Failed to initialize account manager: %v", err)
			return
		}

		status := s.accountManager.GetStatus()
		utils.Success("[Server] Account pool initialized: %d total, %d available, %d invalid (strategy: %s)",
			status.Total, status.Available, status.Invalid, status.Strategy)

		s.initialized = true
	})

	return s.initError
}

// ensureInitialized lazily initializes on the first request
func (s *Server) ensureInitialized(c *gin.Context) bool {
	if s.initialized {
		return true
	}

	if err := s.Initialize(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "api_error",
				"message": "Server not initialized: " + err.Error(),
			},
		})
		return false
	}

	return true
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(SilentHandlerMiddleware())
	s.engine.Use(RequestLoggingMiddleware())
	if s.usageStats != nil {
		s.engine.Use(s.usageStats.Middleware())
	}

	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		c.Next()
	})

	healthHandler := handlers.NewHealthHandler(s.accountManager)
	modelsHandler := handlers.NewModelsHandler(s.accountManager)
	accountsHandler := handlers.NewAccountsHandler(s.accountManager, s.usageStats, s.cfg)
	messagesHandler := handlers.NewMessagesHandler(
		s.accountManager,
		s.cloudCodeClient,
		s.cfg,
		s.fallbackEnabled,
	)
	refreshHandler := handlers.NewRefreshTokenHandler(s.accountManager)

	// Claude Code CLI probes the root with a POST
	s.engine.POST("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.POST("/test/clear-signature-cache", func(c *gin.Context) {
		format.ClearThinkingSignatureCache()
		utils.Debug("[Test] Cleared thinking signature cache")
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Thinking signature cache cleared",
		})
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if !s.ensureInitialized(c) {
			return
		}
		healthHandler.Health(c)
	})

	s.engine.GET("/account-limits", func(c *gin.Context) {
		if !s.ensureInitialized(c) {
			return
		}
		accountsHandler.AccountLimits(c)
	})

	s.engine.POST("/refresh-token", func(c *gin.Context) {
		if !s.ensureInitialized(c) {
			return
		}
		refreshHandler.RefreshToken(c)
	})

	if s.usageStats != nil {
		api := s.engine.Group("/api")
		s.usageStats.SetupRoutes(api)
	}

	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.cfg))
	{
		v1.GET("/models", func(c *gin.Context) {
			if !s.ensureInitialized(c) {
				return
			}
			modelsHandler.ListModels(c)
		})

		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)

		v1.POST("/messages", func(c *gin.Context) {
			if !s.ensureInitialized(c) {
				return
			}
			messagesHandler.Messages(c)
		})
	}

	s.engine.NoRoute(func(c *gin.Context) {
		if utils.IsDebug() {
			utils.Debug("[API] 404 Not Found: %s %s", c.Request.Method, c.Request.URL.Path)
		}
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "not_found_error",
				"message": fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
			},
		})
	})
}

// Run starts the HTTP server and blocks until it stops
func (s *Server) Run(addr string) error {
	s.SetupRoutes()

	utils.Info("[Server] Starting on %s", addr)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streamed responses can run long
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Engine returns the Gin engine for tests
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// GetAccountManager returns the account manager
func (s *Server) GetAccountManager() *account.Manager {
	return s.accountManager
}
