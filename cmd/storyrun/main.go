// Storyrun server — serves the interactive-story HTTP API and runs the
// per-session step pipeline against PostgreSQL and an LLM provider.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fableforge/storyrun/pkg/api"
	"github.com/fableforge/storyrun/pkg/config"
	"github.com/fableforge/storyrun/pkg/database"
	"github.com/fableforge/storyrun/pkg/llm"
	"github.com/fableforge/storyrun/pkg/pipeline"
	"github.com/fableforge/storyrun/pkg/resolver"
	"github.com/fableforge/storyrun/pkg/services"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting storyrun",
		"env", cfg.Env,
		"http_port", httpPort,
		"llm_provider", cfg.LLMProviderName)

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
	slog.Info("Connected to PostgreSQL database")

	storyService := services.NewStoryService(dbClient)
	replayService := services.NewReplayService(dbClient)
	sessionService := services.NewSessionService(dbClient, storyService, replayService)
	idempotencyService := services.NewIdempotencyService(dbClient)
	stepStore := services.NewStepStore(dbClient)
	slog.Info("Services initialized")

	transport, err := llm.NewTransport(cfg)
	if err != nil {
		slog.Error("Failed to initialize LLM transport", "error", err)
		os.Exit(1)
	}
	res := resolver.New(transport, cfg.PromptPlayMaxChars, cfg.StoryDefaultLocale)
	engine := pipeline.New(stepStore, storyService, idempotencyService, res, transport, cfg)

	sweeper := services.NewSweeper(idempotencyService, time.Hour)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	httpServer := api.NewServer(cfg, dbClient, sessionService, storyService, replayService, engine)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(":" + httpPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
