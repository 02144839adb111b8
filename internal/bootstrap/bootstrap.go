// Package bootstrap turns a loaded config into the collaborators the binaries
// share.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/dunamismax/cinerender/internal/artifact"
	"github.com/dunamismax/cinerender/internal/config"
	"github.com/dunamismax/cinerender/internal/encode"
	"github.com/dunamismax/cinerender/internal/pipeline"
	"github.com/dunamismax/cinerender/internal/producer"
	"github.com/dunamismax/cinerender/internal/resample"
	"github.com/dunamismax/cinerender/internal/storage"
	"github.com/dunamismax/cinerender/internal/store"
	"github.com/dunamismax/cinerender/internal/telemetry"
)

func Logger(cfg config.LogConfig) (*zap.Logger, error) {
	return telemetry.NewLogger(telemetry.LogConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		File:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
}

func TraceConfig(cfg config.TelemetryConfig) telemetry.TraceConfig {
	return telemetry.TraceConfig{
		ServiceName:  cfg.ServiceName,
		Exporter:     cfg.TraceExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	}
}

// Stores is the job and usage persistence selected by database.driver.
type Stores struct {
	Jobs  store.JobStore
	Usage store.UsageStore
	io.Closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func OpenStores(ctx context.Context, cfg config.DatabaseConfig) (Stores, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return Stores{}, err
		}
		return Stores{Jobs: pg, Usage: pg, Closer: pg}, nil
	default:
		mem := store.NewMemoryStore()
		return Stores{Jobs: mem, Usage: mem, Closer: nopCloser{}}, nil
	}
}

// Artifacts is where renders are written and read back. Linker is set only
// for object storage.
type Artifacts struct {
	Sink   artifact.Sink
	Source artifact.Source
	Linker artifact.Linker
}

func OpenArtifacts(ctx context.Context, backend, localDir string, cfg config.StorageConfig) (Artifacts, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "object":
		client, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Endpoint,
			Access:   cfg.AccessKey,
			Secret:   cfg.SecretKey,
			Bucket:   cfg.Bucket,
			UseSSL:   cfg.UseSSL,
		})
		if err != nil {
			return Artifacts{}, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return Artifacts{}, err
		}
		objects, err := artifact.NewObjectStore(client)
		if err != nil {
			return Artifacts{}, err
		}
		return Artifacts{Sink: objects, Source: objects, Linker: objects}, nil
	default:
		local, err := artifact.NewLocal(localDir)
		if err != nil {
			return Artifacts{}, err
		}
		return Artifacts{Sink: local, Source: local}, nil
	}
}

func Producer(cfg config.ProducerConfig) (pipeline.Producer, error) {
	return producer.New(producer.Config{
		Kind: cfg.Kind,
		HTTP: producer.HTTPConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Sampler: cfg.Sampler,
			Timeout: cfg.Timeout,
		},
	})
}

func Stages(cfg config.RenderConfig) (pipeline.Stages, error) {
	stageCfg := pipeline.DefaultStageConfig()
	if cfg.Engine != "" {
		stageCfg.Resample.Engine = resample.Engine(cfg.Engine)
	}
	stageCfg.Resample.OpaqueAlpha = cfg.OpaqueAlpha
	if cfg.MaxOutputBytes > 0 {
		stageCfg.Resample.MaxOutputBytes = cfg.MaxOutputBytes
	}
	if cfg.TileSize > 0 {
		stageCfg.Resample.TileSize = cfg.TileSize
	}
	stages, err := pipeline.NewDefaultStages(stageCfg)
	if err != nil {
		return pipeline.Stages{}, fmt.Errorf("build render stages: %w", err)
	}
	return stages, nil
}

// RenderDefaults are the pipeline options a job starts from.
func RenderDefaults(render config.RenderConfig, prod config.ProducerConfig) pipeline.Options {
	return pipeline.Options{
		TargetWidth:     render.TargetWidth,
		TargetHeight:    render.TargetHeight,
		ResampleQuality: resample.Quality(render.Quality),
		EncodeFormat:    encode.Format(render.Format),
		EncodeQuality:   render.EncodeQuality,
		ProducerTimeout: prod.Timeout,
	}
}
