// Command server runs the Cloud Code Claude proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/internal/account"
	"github.com/sorenth/cloudcode-claude-proxy/internal/account/strategies"
	"github.com/sorenth/cloudcode-claude-proxy/internal/cloudcode"
	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/internal/format"
	"github.com/sorenth/cloudcode-claude-proxy/internal/modules"
	"github.com/sorenth/cloudcode-claude-proxy/internal/server"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

func main() {
	var (
		debugMode    bool
		devMode      bool
		fallback     bool
		strategyName string
		port         int
		host         string
	)

	flag.BoolVar(&debugMode, "debug", false, "Enable debug mode (legacy alias for dev-mode)")
	flag.BoolVar(&devMode, "dev-mode", false, "Enable developer mode")
	flag.BoolVar(&fallback, "fallback", false, "Enable model fallback on quota exhaust")
	flag.StringVar(&strategyName, "strategy", "", "Account selection strategy (sticky/round-robin)")
	flag.IntVar(&port, "port", 0, "Server port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.Parse()

	if os.Getenv("DEBUG") == "true" || os.Getenv("DEV_MODE") == "true" {
		devMode = true
	}
	if os.Getenv("FALLBACK") == "true" {
		fallback = true
	}
	if debugMode {
		devMode = true
	}

	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			fmt.Sscanf(envPort, "%d", &port)
		}
	}
	if port == 0 {
		port = config.DefaultPort
	}

	if host == "" {
		host = os.Getenv("HOST")
	}
	if host == "" {
		host = "0.0.0.0"
	}

	if strategyName != "" {
		normalized := strings.ToLower(strategyName)
		if strategies.IsValidStrategy(normalized) {
			strategyName = normalized
		} else {
			utils.Warn("[Startup] Invalid strategy \"%s\". Valid options: %s. Using default.",
				strategyName, strings.Join(config.SelectionStrategies, ", "))
			strategyName = ""
		}
	}

	utils.SetDebug(devMode)

	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		utils.Warn("[Startup] Failed to load config: %v", err)
	}
	cfg.DevMode = devMode
	if devMode {
		utils.Debug("Developer mode enabled")
	}
	if fallback {
		utils.Info("Model fallback mode enabled")
	}

	redisClient, err := redis.NewClient(redis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		utils.Error("[Startup] Failed to connect to Redis: %v", err)
		utils.Warn("[Startup] Starting without Redis - using in-memory storage")
		redisClient = nil
	}

	format.Initialize(redisClient)

	accountManager := account.NewManager(redisClient, cfg)

	usageStats := modules.NewUsageStats(redisClient)
	usageStats.Initialize()

	srv := server.New(cfg, accountManager, usageStats, server.Options{
		FallbackEnabled:  fallback,
		StrategyOverride: strategyName,
		Debug:            devMode,
	})

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	if err := srv.Initialize(initCtx); err != nil {
		utils.Error("[Startup] Failed to initialize server: %v", err)
		cancelInit()
		os.Exit(1)
	}
	cancelInit()

	// Background maintenance: proactive token refresh and rate-limit state
	// cleanup run for the life of the process
	bgCtx, cancelBg := context.WithCancel(context.Background())
	accountManager.StartBackgroundRefresh(bgCtx)
	cloudcode.StartRateLimitStateCleanup()

	srv.SetupRoutes()

	printBanner(port, host, devMode, fallback, accountManager, cfg)

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Engine(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streamed responses can run long
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		utils.Info("[Server] Starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()

	utils.Success("Server started successfully on port %d", port)
	if devMode {
		utils.Warn("Running in DEVELOPER mode - verbose logs enabled")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	cancelBg()
	usageStats.Shutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		utils.Error("Server forced to shutdown: %v", err)
		os.Exit(1)
	}

	// Persist account state before closing the backing store
	if err := accountManager.SaveToDisk(shutdownCtx); err != nil {
		utils.Warn("Failed to persist account state: %v", err)
	}

	if redisClient != nil {
		redisClient.Close()
	}

	utils.Success("Server stopped")
}

// printBanner prints the startup banner
func printBanner(port int, host string, devMode, fallback bool, am *account.Manager, cfg *config.Config) {
	fmt.Print("\033[H\033[2J")

	status := am.GetStatus()
	strategyLabel := am.GetStrategyLabel()

	displayHost := host
	if host == "0.0.0.0" {
		displayHost = "localhost"
	}

	statusLines := []string{
		fmt.Sprintf("    ✓ Strategy: %s", strategyLabel),
		fmt.Sprintf("    ✓ Accounts: %d total, %d available, %d invalid",
			status.Total, status.Available, status.Invalid),
	}
	if devMode {
		statusLines = append(statusLines, "    ✓ Developer mode enabled")
	}
	if fallback {
		statusLines = append(statusLines, "    ✓ Model fallback enabled")
	}

	controlLines := []string{
		"    --strategy=<s>     Set account selection strategy",
		"                       (sticky/round-robin)",
	}
	if !devMode {
		controlLines = append(controlLines, "    --dev-mode         Enable developer mode")
	}
	if !fallback {
		controlLines = append(controlLines, "    --fallback         Enable model fallback on quota exhaust")
	}
	controlLines = append(controlLines, "    Ctrl+C             Stop server")

	fmt.Println(`
╔══════════════════════════════════════════════════════════════╗
║             Cloud Code Claude Proxy v` + config.Version + `                   ║
╠══════════════════════════════════════════════════════════════╣
║                                                              ║`)
	fmt.Printf("║  Server running at: http://%s:%-25d ║\n", displayHost, port)
	fmt.Printf("║  Bound to: %s:%-42d ║\n", host, port)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Active Modes:                                               ║")
	for _, line := range statusLines {
		fmt.Printf("║  %-60s ║\n", line)
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Control:                                                    ║")
	for _, line := range controlLines {
		fmt.Printf("║  %-60s ║\n", line)
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    POST /v1/messages         - Anthropic Messages API        ║")
	fmt.Println("║    GET  /v1/models           - List available models         ║")
	fmt.Println("║    GET  /health              - Health check                  ║")
	fmt.Println("║    GET  /account-limits      - Account status & quotas       ║")
	fmt.Println("║    POST /refresh-token       - Force token refresh           ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Usage with Claude Code:                                     ║")
	fmt.Printf("║    export ANTHROPIC_BASE_URL=http://localhost:%-15d ║\n", port)
	fmt.Printf("║    export ANTHROPIC_API_KEY=%-33s ║\n", cfg.APIKey)
	fmt.Println("║    claude                                                    ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Add Google accounts:                                        ║")
	fmt.Println("║    cloudcode-accounts add                                    ║")
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
