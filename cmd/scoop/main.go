// Scoop conversation server: HTTP API over the Georgian sports-nutrition
// chat engine, backed by Gemini and MongoDB.
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

	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/scoopge/scoop/pkg/api"
	"github.com/scoopge/scoop/pkg/cleanup"
	"github.com/scoopge/scoop/pkg/config"
	"github.com/scoopge/scoop/pkg/engine"
	"github.com/scoopge/scoop/pkg/inference"
	"github.com/scoopge/scoop/pkg/llm"
	"github.com/scoopge/scoop/pkg/memory"
)

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	settings, err := config.Load(*envPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Scoop",
		"http_port", settings.HTTPPort,
		"primary_model", settings.PrimaryModel,
		"database", settings.MongoDatabase)

	ctx := context.Background()

	// Storage.
	store, mongoClient, err := memory.Connect(ctx, settings.MongoURI, settings.MongoDatabase)
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			slog.Error("Error closing MongoDB client", "error", err)
		}
	}()
	if err := store.EnsureIndexes(ctx); err != nil {
		slog.Error("Failed to ensure indexes", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to MongoDB")

	// LLM client.
	client, err := llm.NewGeminiClient(ctx, llm.DefaultGeminiConfig(settings.GeminiAPIKey))
	if err != nil {
		slog.Error("Failed to initialize Gemini client", "error", err)
		os.Exit(1)
	}

	// Inference routing.
	infCfg := inference.DefaultConfig()
	infCfg.PrimaryModel = settings.PrimaryModel
	infCfg.FallbackModel = settings.FallbackModel
	infCfg.ExtendedModel = settings.ExtendedModel
	manager := inference.NewManager(infCfg)

	// Memory compaction.
	extractor := memory.NewFactExtractor(client, settings.FallbackModel)
	compactor := memory.NewCompactor(client, manager.Estimator, extractor, store,
		settings.FallbackModel, infCfg.ExtendedContextThreshold, settings.EmbeddingDim)

	// Engine.
	engCfg := engine.DefaultEngineConfig()
	engCfg.SystemInstruction = settings.SystemInstruction
	engCfg.ThinkingStrategy = engine.ParseThinkingStrategy(settings.ThinkingStrategy)
	engCfg.ThinkingDelay = settings.ThinkingDelay
	engCfg.Loop.MaxRounds = settings.MaxRounds
	engCfg.Loop.RoundTimeout = settings.RoundTimeout
	engCfg.Loop.EnableRetry = settings.RetryOnEmpty
	engCfg.SearchFirst = settings.SearchFirst
	engCfg.EmbeddingDim = settings.EmbeddingDim
	eng := engine.NewEngine(client, manager, store, compactor, engCfg)

	// Retention.
	cleanupSvc := cleanup.NewService(store, settings.CleanupSchedule)
	if err := cleanupSvc.Start(); err != nil {
		slog.Error("Failed to start cleanup service", "error", err)
		os.Exit(1)
	}
	defer cleanupSvc.Stop()

	// HTTP server.
	ping := func(ctx context.Context) error {
		return mongoClient.Ping(ctx, readpref.Primary())
	}
	httpServer := api.NewServer(eng, manager, ping)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + settings.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
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
