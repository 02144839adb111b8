// Package pipeline drives one render from prompt to encoded artifact:
//
//	Idle -> LoadingSource -> GeneratingBase -> ToneMapping -> Upscaling -> Encoding -> Done
//
// Any non-terminal stage may end in Failed or Cancelled instead. A Controller
// runs at most one render at a time; starting a new one cancels the previous
// run and waits for it to settle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/cinerender/internal/encode"
	"github.com/dunamismax/cinerender/internal/id"
	"github.com/dunamismax/cinerender/internal/raster"
)

type Controller struct {
	producer  Producer
	stages    Stages
	logger    *zap.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	observers []Observer
	now       func() time.Time
	newID     func() string

	// startMu serialises Run so replacement is one step.
	startMu sync.Mutex
	mu      sync.Mutex
	active  *Run
}

type Option func(*Controller)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithObserver registers fn to receive every transition. Observers run on the
// render goroutine, so they should return quickly and must not call Run.
func WithObserver(fn Observer) Option {
	return func(c *Controller) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

func NewController(producer Producer, stages Stages, opts ...Option) (*Controller, error) {
	if producer == nil {
		return nil, ErrNoProducer
	}
	if err := stages.validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		producer: producer,
		stages:   stages,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("cinerender/pipeline"),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    id.New,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run starts a render and returns immediately. Any render already in flight on
// this controller is cancelled first, and Run blocks until it has reached a
// terminal stage. Cancelling ctx cancels the new run.
func (c *Controller) Run(ctx context.Context, prompt string, opts Options) (*Run, error) {
	if err := opts.prepare(); err != nil {
		return nil, err
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	if prev := c.Active(); prev != nil {
		prev.Cancel()
		select {
		case <-prev.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := newRun(c.newID(), c.now(), cancel)

	c.mu.Lock()
	c.active = run
	c.mu.Unlock()

	c.metrics.runStarted()
	go c.execute(runCtx, run, prompt, opts)
	return run, nil
}

// Execute runs a render to completion. The returned error is the run's
// failure, if any; a cancelled run returns its snapshot and a nil error.
func (c *Controller) Execute(ctx context.Context, prompt string, opts Options) (Snapshot, error) {
	run, err := c.Run(ctx, prompt, opts)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := run.Wait(ctx)
	if err != nil {
		return snap, err
	}
	if snap.Err != nil {
		return snap, snap.Err
	}
	return snap, nil
}

// Cancel cancels the active run, if any, and reports whether there was one
// still in flight.
func (c *Controller) Cancel() bool {
	run := c.Active()
	if run == nil {
		return false
	}
	live := !run.Snapshot().Terminal()
	run.Cancel()
	return live
}

// Active returns the most recent run until its terminal state has been
// replaced by a newer run. It is nil before the first Run.
func (c *Controller) Active() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Snapshot returns the state of the latest run, or an Idle snapshot.
func (c *Controller) Snapshot() Snapshot {
	if run := c.Active(); run != nil {
		return run.Snapshot()
	}
	return Snapshot{Stage: StageIdle, Status: "Idle"}
}

func (c *Controller) execute(ctx context.Context, run *Run, prompt string, opts Options) {
	defer close(run.done)
	defer run.cancel()

	ctx, span := c.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", run.ID()),
		attribute.Int("run.target_width", opts.TargetWidth),
		attribute.Int("run.target_height", opts.TargetHeight),
		attribute.String("run.format", string(opts.EncodeFormat)),
	))
	defer span.End()

	logger := c.logger.With(zap.String("run_id", run.ID()))
	logger.Info("render started",
		zap.Int("target_width", opts.TargetWidth),
		zap.Int("target_height", opts.TargetHeight),
		zap.String("quality", string(opts.ResampleQuality)),
		zap.String("format", string(opts.EncodeFormat)),
	)

	artifact, err := c.runStages(ctx, run, prompt, opts)

	var (
		snap    Snapshot
		ok      bool
		failure *Error
	)
	switch {
	case err == nil:
		snap, ok = run.finish(StageDone, "Done", &artifact, nil, c.now())
		span.SetStatus(codes.Ok, "done")
		logger.Info("render finished",
			zap.String("filename", artifact.Filename),
			zap.Int("bytes", len(artifact.Data)),
			zap.Duration("elapsed", snap.UpdatedAt.Sub(snap.StartedAt)),
		)
	case errors.As(err, &failure):
		snap, ok = run.finish(StageFailed, "Error: "+failure.Error(), nil, failure, c.now())
		span.RecordError(failure)
		span.SetStatus(codes.Error, string(failure.Kind))
		logger.Warn("render failed", zap.String("kind", string(failure.Kind)), zap.Error(failure.Err))
	default:
		snap, ok = run.finish(StageCancelled, "Cancelled", nil, nil, c.now())
		logger.Info("render cancelled", zap.NamedError("cause", err))
	}

	c.metrics.runFinished(snap)
	if ok {
		c.publish(snap)
	}
}

// runStages returns a *Error for stage failures and the context error when
// the run was stopped from outside.
func (c *Controller) runStages(ctx context.Context, run *Run, prompt string, opts Options) (encode.Artifact, error) {
	var (
		base    raster.Image
		graded  raster.Image
		upscale raster.Image
		out     encode.Artifact
		swatch  string
	)

	steps := []struct {
		stage  Stage
		status string
		// onPanic is the failure kind reported when fn panics.
		onPanic Kind
		fn      func(context.Context) (Kind, error)
	}{
		{
			stage:   StageLoadingSource,
			status:  fmt.Sprintf("Loading base-image producer (%s)...", producerName(c.producer)),
			onPanic: KindSourceGenerationFailed,
			fn: func(ctx context.Context) (Kind, error) {
				loader, ok := c.producer.(Loader)
				if !ok {
					return "", nil
				}
				return KindSourceGenerationFailed, loader.Load(ctx)
			},
		},
		{
			stage:   StageGeneratingBase,
			status:  "Generating base image...",
			onPanic: KindSourceGenerationFailed,
			fn: func(ctx context.Context) (Kind, error) {
				genCtx, cancel := context.WithTimeout(ctx, opts.ProducerTimeout)
				defer cancel()
				produced, err := c.producer.Generate(genCtx, opts.generateRequest(prompt))
				if err != nil {
					return KindSourceGenerationFailed, err
				}
				base, err = raster.Normalize(produced)
				return KindInvalidSourceImage, err
			},
		},
		{
			stage:   StageToneMapping,
			status:  "Applying HDR tonemapping...",
			onPanic: KindToneMappingFailed,
			fn: func(context.Context) (Kind, error) {
				var err error
				graded, err = c.stages.ToneMapper.Apply(base)
				if err != nil {
					return KindToneMappingFailed, err
				}
				base = raster.Image{}
				swatch = raster.Swatch(graded).Hex()
				return "", nil
			},
		},
		{
			stage:   StageUpscaling,
			status:  fmt.Sprintf("Upscaling to %s (this can take a while)...", upscaleLabel(opts.TargetWidth, opts.TargetHeight)),
			onPanic: KindResamplingFailed,
			fn: func(ctx context.Context) (Kind, error) {
				var err error
				upscale, err = c.stages.Resizer.Resize(ctx, graded, opts.TargetWidth, opts.TargetHeight, opts.ResampleQuality)
				graded = raster.Image{}
				return KindResamplingFailed, err
			},
		},
		{
			stage:   StageEncoding,
			status:  "Encoding final image...",
			onPanic: KindEncodingFailed,
			fn: func(context.Context) (Kind, error) {
				var err error
				out, err = c.stages.Encoder.Encode(upscale, opts.EncodeFormat, opts.EncodeQuality)
				upscale = raster.Image{}
				if err != nil {
					return KindEncodingFailed, err
				}
				out.Filename = encode.SuggestedFilename(opts.Name, out.Format, out.Width, out.Height)
				out.Swatch = swatch
				return "", nil
			},
		},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return encode.Artifact{}, err
		}
		c.transition(run, step.stage, step.status)

		stageCtx, span := c.tracer.Start(ctx, "pipeline."+string(step.stage))
		started := time.Now()
		kind, err := callStep(stageCtx, step.onPanic, step.fn)
		c.metrics.observeStage(step.stage, time.Since(started).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return encode.Artifact{}, ctxErr
			}
			return encode.Artifact{}, stageError(step.stage, kind, err)
		}
	}
	return out, nil
}

// callStep runs fn and reports a panic as a failure of kind onPanic.
func callStep(ctx context.Context, onPanic Kind, fn func(context.Context) (Kind, error)) (kind Kind, err error) {
	defer func() {
		if p := recover(); p != nil {
			kind, err = onPanic, fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

func (c *Controller) transition(run *Run, stage Stage, status string) {
	snap, ok := run.transition(stage, status, c.now())
	if !ok {
		return
	}
	c.logger.Debug("render stage",
		zap.String("run_id", snap.RunID),
		zap.String("stage", string(snap.Stage)),
		zap.String("status", snap.Status),
	)
	c.publish(snap)
}

func (c *Controller) publish(snap Snapshot) {
	for _, fn := range c.observers {
		fn(snap)
	}
}

func upscaleLabel(width, height int) string {
	switch label := encode.ResolutionLabel(width, height); label {
	case "8k", "4k":
		return strings.ToUpper(label)
	default:
		return label
	}
}
