package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/dunamismax/cinerender/internal/api"
	"github.com/dunamismax/cinerender/internal/bootstrap"
	"github.com/dunamismax/cinerender/internal/config"
	"github.com/dunamismax/cinerender/internal/queue"
	"github.com/dunamismax/cinerender/internal/ratelimit"
	"github.com/dunamismax/cinerender/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := bootstrap.Logger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger = logger.Named("api")
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, bootstrap.TraceConfig(cfg.Telemetry), logger)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	stores, err := bootstrap.OpenStores(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("open job store failed", zap.Error(err))
	}
	defer stores.Close()

	artifacts, err := bootstrap.OpenArtifacts(ctx, cfg.API.ArtifactStore, cfg.Worker.LocalOutputDir, cfg.Storage)
	if err != nil {
		logger.Fatal("open artifact storage failed", zap.Error(err))
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.TaskTimeout)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close failed", zap.Error(err))
		}
	}()

	opts := []api.Option{api.WithTracer(otel.Tracer("cinerender/api"))}
	if artifacts.Linker != nil {
		opts = append(opts, api.WithLinker(artifacts.Linker))
	}
	if cfg.API.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, ratelimit.Config{
			Capacity: cfg.API.RateLimit.Capacity,
			Window:   cfg.API.RateLimit.Window,
		})
		if err != nil {
			logger.Fatal("rate limiter setup failed", zap.Error(err))
		}
		opts = append(opts, api.WithRateLimiter(limiter))
	}

	app := api.NewServer(logger, queueClient, stores.Jobs, artifacts.Source, api.Config{
		PresignTTL:   cfg.API.PresignTTL,
		UserIDHeader: cfg.API.UserIDHeader,
		RenderCost:   cfg.API.RateLimit.RenderCost,
	}, opts...)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.API.Addr), zap.String("artifact_store", cfg.API.ArtifactStore))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}
