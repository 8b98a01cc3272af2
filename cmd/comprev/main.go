// Comprev evaluation server: seeds the admin account, runs the tasker
// worker pool, and serves health and metrics over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/promptlab/comprev/pkg/api"
	"github.com/promptlab/comprev/pkg/config"
	"github.com/promptlab/comprev/pkg/database"
	"github.com/promptlab/comprev/pkg/evaluator"
	"github.com/promptlab/comprev/pkg/llm"
	"github.com/promptlab/comprev/pkg/metrics"
	"github.com/promptlab/comprev/pkg/queue"
	"github.com/promptlab/comprev/pkg/services"
	"github.com/promptlab/comprev/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	envFile := flag.String("env-file",
		getEnv("ENV_FILE", ".env"),
		"Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	podID := resolvePodID()
	slog.Info("Starting comprev", "version", version.Full(), "pod_id", podID)

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect to the database (runs migrations when DB_SYNCHRONIZE is set)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to database", "type", dbConfig.Type)

	// 3. Seed the default admin account
	userService := services.NewUserService(dbClient)
	if err := userService.EnsureDefaultAdmin(ctx, cfg.Admin); err != nil {
		slog.Error("Failed to ensure default admin", "error", err)
		os.Exit(1)
	}

	// 4. Domain services and metrics
	testService := services.NewTestService(dbClient)
	attemptService := services.NewAttemptService(dbClient)
	resultService := services.NewResultService(dbClient)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// 5. LLM gateway and evaluation pipeline
	gateway := llm.NewOpenRouterClient(cfg.LLM, llm.WithMetrics(m))
	pipeline := evaluator.New(gateway)
	executor := queue.NewExecutor(testService, attemptService, resultService, pipeline, m)

	// 6. Start the tasker pool (before the HTTP server)
	pool := queue.NewTaskerPool(podID, attemptService, cfg.Tasker, executor, m)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start tasker pool", "error", err)
		os.Exit(1)
	}

	// 7. Start HTTP server (non-blocking)
	httpServer := api.NewServer(dbClient, pool, registry)
	errCh := make(chan error, 1)
	go func() {
		addr := cfg.HTTP.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("comprev started successfully",
		"pod_id", podID,
		"workers", cfg.Tasker.WorkerCount)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown. Pool.Stop waits for in-flight attempts up to the
	// configured shutdown timeout; unfinished PENDING rows are adopted on
	// the next run.
	pool.Stop()
	slog.Info("Tasker pool stopped")

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
