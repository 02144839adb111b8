package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/cinerender/internal/artifact"
	"github.com/dunamismax/cinerender/internal/config"
	"github.com/dunamismax/cinerender/internal/domain"
	"github.com/dunamismax/cinerender/internal/encode"
	"github.com/dunamismax/cinerender/internal/pipeline"
	"github.com/dunamismax/cinerender/internal/queue"
	"github.com/dunamismax/cinerender/internal/resample"
	"github.com/dunamismax/cinerender/internal/store"
	"github.com/dunamismax/cinerender/internal/webhook"
)

// ErrorKindTimedOut marks jobs whose task deadline passed mid-render.
const ErrorKindTimedOut = "timed_out"

type Server struct {
	logger        *zap.Logger
	server        *asynq.Server
	slots         chan *slot
	sink          artifact.Sink
	webhookClient webhookSender
	jobStore      store.JobStore
	usageStore    store.UsageStore
	defaults      pipeline.Options
	metrics       *metrics
	tracer        trace.Tracer
	now           func() time.Time
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Deps are the collaborators a worker renders with.
type Deps struct {
	Producer pipeline.Producer
	Stages   pipeline.Stages
	Sink     artifact.Sink
	// Webhook may be nil to disable delivery.
	Webhook    webhookSender
	JobStore   store.JobStore
	UsageStore store.UsageStore
	// Defaults supplies every option a job's spec leaves unset.
	Defaults pipeline.Options
}

// slot owns one controller. Each controller renders one job at a time, so the
// slot pool bounds concurrent renders.
type slot struct {
	controller *pipeline.Controller

	mu         sync.Mutex
	onProgress func(pipeline.Snapshot)
}

func (sl *slot) observe(snap pipeline.Snapshot) {
	sl.mu.Lock()
	fn := sl.onProgress
	sl.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (sl *slot) setProgress(fn func(pipeline.Snapshot)) {
	sl.mu.Lock()
	sl.onProgress = fn
	sl.mu.Unlock()
}

func NewServer(logger *zap.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	s, err := newServer(logger, workerCfg, deps)
	if err != nil {
		return nil, err
	}

	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				s.logger.Warn("task failed",
					zap.String("type", task.Type()),
					zap.Int("retry", retried),
					zap.Int("max_retry", maxRetry),
					zap.Error(err),
				)
			}),
		},
	)
	return s, nil
}

func newServer(logger *zap.Logger, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("artifact sink is required")
	}
	if deps.JobStore == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if deps.UsageStore == nil {
		if usage, ok := deps.JobStore.(store.UsageStore); ok {
			deps.UsageStore = usage
		}
	}

	s := &Server{
		logger:        logger,
		sink:          deps.Sink,
		webhookClient: deps.Webhook,
		jobStore:      deps.JobStore,
		usageStore:    deps.UsageStore,
		defaults:      deps.Defaults,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("cinerender/worker"),
		now:           func() time.Time { return time.Now().UTC() },
	}

	pipelineMetrics := pipeline.NewMetrics(s.metrics.registry)
	size := max(1, workerCfg.MaxActiveJobs)
	s.slots = make(chan *slot, size)
	for i := 0; i < size; i++ {
		sl := &slot{}
		controller, err := pipeline.NewController(deps.Producer, deps.Stages,
			pipeline.WithLogger(logger.Named("pipeline")),
			pipeline.WithMetrics(pipelineMetrics),
			pipeline.WithObserver(sl.observe),
		)
		if err != nil {
			return nil, fmt.Errorf("initialize render controller: %w", err)
		}
		sl.controller = controller
		s.slots <- sl
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRender, s.handleRender)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRender(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	status := domain.JobStatusFailed

	payload, err := queue.ParseRenderPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	logger := s.logger.With(zap.String("job_id", payload.JobID))

	ctx, span := s.tracer.Start(ctx, "worker.render", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.Int("job.target_width", payload.Spec.TargetWidth),
		attribute.Int("job.target_height", payload.Spec.TargetHeight),
	)
	defer span.End()

	job, ok, err := s.jobStore.Get(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if !ok {
		logger.Warn("render task for unknown job")
		return fmt.Errorf("job %s not found: %w", payload.JobID, asynq.SkipRetry)
	}
	if job.Terminal() {
		logger.Info("skipping finished job", zap.String("status", job.Status))
		return nil
	}
	if job.UserID == "" {
		job.UserID = "anonymous"
	}

	var sl *slot
	select {
	case sl = <-s.slots:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		sl.setProgress(nil)
		s.slots <- sl
		s.metrics.activeJobs.Dec()
		s.metrics.jobDuration.WithLabelValues(status).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(status).Inc()
	}()

	storeCtx := context.WithoutCancel(ctx)
	if _, err := s.jobStore.UpdateStatus(ctx, payload.JobID, domain.JobStatusRunning); err != nil {
		if errors.Is(err, store.ErrJobFinished) {
			logger.Info("job finished while waiting for a controller")
			return nil
		}
		logger.Warn("job status update failed", zap.Error(err))
	}
	sl.setProgress(func(snap pipeline.Snapshot) {
		if snap.Stage.Terminal() {
			return
		}
		if _, err := s.jobStore.UpdateProgress(storeCtx, payload.JobID, domain.Progress{
			Stage:      string(snap.Stage),
			StatusText: snap.Status,
		}); err != nil {
			logger.Warn("progress update failed", zap.String("stage", string(snap.Stage)), zap.Error(err))
		}
	})

	logger.Info("render picked up", zap.String("user_id", job.UserID))
	run, err := sl.controller.Run(ctx, payload.Spec.Prompt, s.options(payload.Spec))
	if err != nil {
		if !errors.Is(err, pipeline.ErrInvalidOptions) {
			return fmt.Errorf("start render: %w", err)
		}
		s.finish(storeCtx, payload, domain.Outcome{
			Status:    domain.JobStatusFailed,
			ErrorKind: "invalid_options",
			Error:     err.Error(),
		})
		span.SetStatus(codes.Error, "invalid options")
		return fmt.Errorf("start render: %w", errors.Join(err, asynq.SkipRetry))
	}
	<-run.Done()
	snap := run.Snapshot()

	switch snap.Stage {
	case pipeline.StageDone:
		stored, err := s.sink.Save(storeCtx, payload.JobID, *snap.Result)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "artifact save failed")
			s.finish(storeCtx, payload, domain.Outcome{
				Status:    domain.JobStatusFailed,
				ErrorKind: "artifact_save_failed",
				Error:     err.Error(),
			})
			return fmt.Errorf("save artifact: %w", err)
		}
		a := domain.Artifact(stored)
		s.finish(storeCtx, payload, domain.Outcome{Status: domain.JobStatusSucceeded, Artifact: &a})
		s.recordUsage(storeCtx, job, *snap.Result, time.Since(startedAt))
		status = domain.JobStatusSucceeded
		span.SetStatus(codes.Ok, "rendered")
		logger.Info("render stored", zap.String("key", stored.Key), zap.Int("bytes", stored.Bytes))
		return nil

	case pipeline.StageFailed:
		failure := snap.Err
		span.RecordError(failure)
		span.SetStatus(codes.Error, string(failure.Kind))
		if failure.Kind == pipeline.KindSourceGenerationFailed && retriesLeft(ctx) {
			logger.Warn("base image generation failed, retrying", zap.Error(failure))
			s.progress(storeCtx, payload.JobID, "Retrying: "+failure.Error())
			return fmt.Errorf("render: %w", failure)
		}
		s.finish(storeCtx, payload, domain.Outcome{
			Status:    domain.JobStatusFailed,
			ErrorKind: string(failure.Kind),
			Error:     failure.Error(),
		})
		return fmt.Errorf("render: %v: %w", failure, asynq.SkipRetry)

	default:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.finish(storeCtx, payload, domain.Outcome{
				Status:    domain.JobStatusFailed,
				ErrorKind: ErrorKindTimedOut,
				Error:     "render exceeded its task deadline",
			})
			span.SetStatus(codes.Error, "timed out")
			return fmt.Errorf("render timed out: %w", asynq.SkipRetry)
		}
		s.finish(storeCtx, payload, domain.Outcome{Status: domain.JobStatusCancelled})
		status = domain.JobStatusCancelled
		logger.Info("render cancelled")
		return nil
	}
}

// options overlays the job's spec on the worker defaults. Quality and format
// strings are passed through so the pipeline reports unknown values.
func (s *Server) options(spec domain.RenderSpec) pipeline.Options {
	opts := s.defaults
	if name := strings.TrimSpace(spec.Name); name != "" {
		opts.Name = name
	}
	if spec.NegativePrompt != "" {
		opts.NegativePrompt = spec.NegativePrompt
	}
	if spec.TargetWidth > 0 && spec.TargetHeight > 0 {
		opts.TargetWidth = spec.TargetWidth
		opts.TargetHeight = spec.TargetHeight
	}
	if spec.ResampleQuality != "" {
		opts.ResampleQuality = resample.Quality(spec.ResampleQuality)
	}
	if spec.Format != "" {
		opts.EncodeFormat = encode.Format(spec.Format)
	}
	if spec.EncodeQuality > 0 {
		opts.EncodeQuality = spec.EncodeQuality
	}
	return opts
}

func retriesLeft(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return ok && retried < maxRetry
}

func (s *Server) progress(ctx context.Context, jobID, text string) {
	if _, err := s.jobStore.UpdateProgress(ctx, jobID, domain.Progress{
		Stage:      string(pipeline.StageIdle),
		StatusText: text,
	}); err != nil {
		s.logger.Warn("progress update failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// finish records the terminal state and notifies the webhook. A job that is
// already terminal, because it was cancelled through the API, keeps its state.
func (s *Server) finish(ctx context.Context, payload queue.RenderPayload, outcome domain.Outcome) {
	job, err := s.jobStore.Finish(ctx, payload.JobID, outcome)
	if errors.Is(err, store.ErrJobFinished) {
		s.logger.Info("job already finished", zap.String("job_id", payload.JobID), zap.String("status", job.Status))
		return
	}
	if err != nil {
		s.logger.Error("record job outcome failed",
			zap.String("job_id", payload.JobID),
			zap.String("status", outcome.Status),
			zap.Error(err),
		)
	}

	finishedAt := s.now()
	if job.FinishedAt != nil {
		finishedAt = *job.FinishedAt
	}
	s.dispatchWebhook(ctx, payload, webhook.RenderEvent{
		JobID:       payload.JobID,
		Status:      outcome.Status,
		Prompt:      payload.Spec.Prompt,
		RequestedAt: payload.RequestedAt,
		FinishedAt:  finishedAt,
		Artifact:    outcome.Artifact,
		ErrorKind:   outcome.ErrorKind,
		Error:       outcome.Error,
	})
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.RenderPayload, event webhook.RenderEvent) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}

	name := webhook.EventRenderFailed
	switch event.Status {
	case domain.JobStatusSucceeded:
		name = webhook.EventRenderCompleted
	case domain.JobStatusCancelled:
		name = webhook.EventRenderCancelled
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, name, event); err != nil {
		s.metrics.webhookFailures.WithLabelValues(name).Inc()
		s.logger.Warn("webhook delivery failed",
			zap.String("job_id", payload.JobID),
			zap.String("event", name),
			zap.Error(err),
		)
	}
}

func (s *Server) recordUsage(ctx context.Context, job domain.Job, result encode.Artifact, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	pixels := int64(result.Width) * int64(result.Height)
	computeTimeMS := max(computeDuration.Milliseconds(), 1)

	usage := domain.UsageLog{
		UserID:         job.UserID,
		JobID:          job.ID,
		PixelsProduced: pixels,
		ArtifactBytes:  int64(len(result.Data)),
		ComputeTimeMS:  computeTimeMS,
		CreatedAt:      s.now(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Warn("usage log write failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	s.metrics.pixelsProducedTotal.Add(float64(pixels))
	s.metrics.artifactBytesTotal.Add(float64(usage.ArtifactBytes))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
