package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dunamismax/cinerender/internal/bootstrap"
	"github.com/dunamismax/cinerender/internal/config"
	"github.com/dunamismax/cinerender/internal/pipeline"
	"github.com/dunamismax/cinerender/internal/telemetry"
	"github.com/dunamismax/cinerender/internal/webhook"
	"github.com/dunamismax/cinerender/internal/worker"
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
	logger = logger.Named("worker")
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, bootstrap.TraceConfig(cfg.Telemetry), logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	if err := pipeline.Startup(); err != nil {
		return err
	}
	defer pipeline.Shutdown()

	stores, err := bootstrap.OpenStores(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer stores.Close()

	artifacts, err := bootstrap.OpenArtifacts(ctx, cfg.Worker.ArtifactStore, cfg.Worker.LocalOutputDir, cfg.Storage)
	if err != nil {
		return err
	}
	producer, err := bootstrap.Producer(cfg.Producer)
	if err != nil {
		return err
	}
	stages, err := bootstrap.Stages(cfg.Render)
	if err != nil {
		return err
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, worker.Deps{
		Producer: producer,
		Stages:   stages,
		Sink:     artifacts.Sink,
		Webhook: webhook.NewClient(webhook.Config{
			SigningSecret: cfg.Webhook.SigningSecret,
			Timeout:       cfg.Webhook.Timeout,
			MaxAttempts:   cfg.Webhook.MaxAttempts,
		}),
		JobStore:   stores.Jobs,
		UsageStore: stores.Usage,
		Defaults:   bootstrap.RenderDefaults(cfg.Render, cfg.Producer),
	})
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", zap.Error(err))
		}
	}()
	defer metricsServer.Close()

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
		zap.String("producer", cfg.Producer.Kind),
		zap.String("artifact_store", cfg.Worker.ArtifactStore),
	)
	// asynq handles SIGINT and SIGTERM itself.
	return srv.Run()
}
