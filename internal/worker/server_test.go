package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/cinerender/internal/artifact"
	"github.com/dunamismax/cinerender/internal/config"
	"github.com/dunamismax/cinerender/internal/domain"
	"github.com/dunamismax/cinerender/internal/encode"
	"github.com/dunamismax/cinerender/internal/id"
	"github.com/dunamismax/cinerender/internal/pipeline"
	"github.com/dunamismax/cinerender/internal/producer"
	"github.com/dunamismax/cinerender/internal/queue"
	"github.com/dunamismax/cinerender/internal/resample"
	"github.com/dunamismax/cinerender/internal/store"
	"github.com/dunamismax/cinerender/internal/webhook"
)

type capturedEvent struct {
	endpoint string
	name     string
	event    webhook.RenderEvent
}

type captureWebhook struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (c *captureWebhook) Send(_ context.Context, endpoint, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{endpoint: endpoint, name: event, event: payload.(webhook.RenderEvent)})
	return nil
}

// progressStore records every progress update on top of a MemoryStore.
type progressStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	stages []string
}

func (p *progressStore) UpdateProgress(ctx context.Context, id string, progress domain.Progress) (domain.Job, error) {
	p.mu.Lock()
	p.stages = append(p.stages, progress.Stage)
	p.mu.Unlock()
	return p.MemoryStore.UpdateProgress(ctx, id, progress)
}

type workerFixture struct {
	server  *Server
	jobs    *progressStore
	local   *artifact.Local
	webhook *captureWebhook
}

func newWorkerFixture(t *testing.T, p pipeline.Producer) workerFixture {
	t.Helper()
	if p == nil {
		p = producer.Gradient{}
	}
	stages, err := pipeline.NewDefaultStages(pipeline.DefaultStageConfig())
	require.NoError(t, err)
	local, err := artifact.NewLocal(t.TempDir())
	require.NoError(t, err)

	f := workerFixture{
		jobs:    &progressStore{MemoryStore: store.NewMemoryStore()},
		local:   local,
		webhook: &captureWebhook{},
	}
	f.server, err = newServer(nil, config.WorkerConfig{MaxActiveJobs: 1}, Deps{
		Producer: p,
		Stages:   stages,
		Sink:     local,
		Webhook:  f.webhook,
		JobStore: f.jobs,
		Defaults: pipeline.Options{
			Name:            "worker",
			BaseWidth:       8,
			BaseHeight:      4,
			TargetWidth:     16,
			TargetHeight:    8,
			ResampleQuality: resample.QualityNearest,
		},
	})
	require.NoError(t, err)
	return f
}

func (f workerFixture) seed(t *testing.T, spec domain.RenderSpec) (domain.Job, *asynq.Task) {
	t.Helper()
	now := time.Now().UTC()
	job := domain.Job{
		ID:        id.New(),
		Status:    domain.JobStatusQueued,
		Spec:      spec,
		UserID:    "user-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))
	task, err := queue.NewRenderTask(queue.RenderPayload{
		JobID:       job.ID,
		Spec:        spec,
		WebhookURL:  "https://hooks.example.com/renders",
		RequestedAt: now,
	})
	require.NoError(t, err)
	return job, task
}

func (f workerFixture) job(t *testing.T, jobID string) domain.Job {
	t.Helper()
	job, ok, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, ok)
	return job
}

func TestHandleRenderStoresArtifact(t *testing.T) {
	f := newWorkerFixture(t, nil)
	job, task := f.seed(t, domain.RenderSpec{Prompt: "hampi boulders at sunrise"})

	require.NoError(t, f.server.handleRender(context.Background(), task))

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusSucceeded, got.Status)
	require.NotNil(t, got.Artifact)
	assert.Equal(t, 16, got.Artifact.Width)
	assert.Equal(t, 8, got.Artifact.Height)
	assert.Equal(t, "worker-cinematic-16x8.jpg", got.Artifact.Filename)
	assert.Regexp(t, `^#[0-9a-f]{6}$`, got.Artifact.Swatch)

	data, err := os.ReadFile(f.local.Path(got.Artifact.Key))
	require.NoError(t, err)
	assert.Len(t, data, got.Artifact.Bytes)

	assert.Equal(t, []string{
		string(pipeline.StageLoadingSource),
		string(pipeline.StageGeneratingBase),
		string(pipeline.StageToneMapping),
		string(pipeline.StageUpscaling),
		string(pipeline.StageEncoding),
	}, f.jobs.stages)

	usage := f.jobs.UsageLogs()
	require.Len(t, usage, 1)
	assert.Equal(t, "user-1", usage[0].UserID)
	assert.Equal(t, int64(16*8), usage[0].PixelsProduced)
	assert.Equal(t, int64(len(data)), usage[0].ArtifactBytes)
	assert.GreaterOrEqual(t, usage[0].ComputeTimeMS, int64(1))

	require.Len(t, f.webhook.events, 1)
	assert.Equal(t, webhook.EventRenderCompleted, f.webhook.events[0].name)
	assert.Equal(t, "https://hooks.example.com/renders", f.webhook.events[0].endpoint)
	assert.Equal(t, job.ID, f.webhook.events[0].event.JobID)
	assert.Equal(t, got.Artifact, f.webhook.events[0].event.Artifact)
}

func TestHandleRenderAppliesSpecOverrides(t *testing.T) {
	f := newWorkerFixture(t, nil)
	job, task := f.seed(t, domain.RenderSpec{
		Prompt:       "x",
		Name:         "Ladakh Pass",
		TargetWidth:  12,
		TargetHeight: 6,
		Format:       "png",
	})

	require.NoError(t, f.server.handleRender(context.Background(), task))

	got := f.job(t, job.ID)
	require.NotNil(t, got.Artifact)
	assert.Equal(t, "image/png", got.Artifact.ContentType)
	assert.Equal(t, "ladakh-pass-cinematic-12x6.png", got.Artifact.Filename)
}

func TestHandleRenderPipelineFailure(t *testing.T) {
	f := newWorkerFixture(t, nil)
	job, task := f.seed(t, domain.RenderSpec{Prompt: "x", Format: "gif"})

	err := f.server.handleRender(context.Background(), task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, string(pipeline.KindEncodingFailed), got.ErrorKind)
	assert.Empty(t, f.jobs.UsageLogs())

	require.Len(t, f.webhook.events, 1)
	assert.Equal(t, webhook.EventRenderFailed, f.webhook.events[0].name)
	assert.Equal(t, string(pipeline.KindEncodingFailed), f.webhook.events[0].event.ErrorKind)
}

type failingProducer struct{}

func (failingProducer) Generate(context.Context, pipeline.GenerateRequest) (any, error) {
	return nil, errors.New("cuda out of memory")
}

func TestHandleRenderProducerFailureWithoutRetries(t *testing.T) {
	f := newWorkerFixture(t, failingProducer{})
	job, task := f.seed(t, domain.RenderSpec{Prompt: "x"})

	err := f.server.handleRender(context.Background(), task)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, string(pipeline.KindSourceGenerationFailed), f.job(t, job.ID).ErrorKind)
}

type blockingProducer struct {
	started chan struct{}
}

func (p blockingProducer) Generate(ctx context.Context, _ pipeline.GenerateRequest) (any, error) {
	close(p.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHandleRenderCancelled(t *testing.T) {
	p := blockingProducer{started: make(chan struct{})}
	f := newWorkerFixture(t, p)
	job, task := f.seed(t, domain.RenderSpec{Prompt: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-p.started
		cancel()
	}()

	require.NoError(t, f.server.handleRender(ctx, task))
	assert.Equal(t, domain.JobStatusCancelled, f.job(t, job.ID).Status)
	require.Len(t, f.webhook.events, 1)
	assert.Equal(t, webhook.EventRenderCancelled, f.webhook.events[0].name)

	// The slot is back in the pool.
	assert.Len(t, f.server.slots, 1)
}

func TestHandleRenderSkipsFinishedJob(t *testing.T) {
	f := newWorkerFixture(t, nil)
	job, task := f.seed(t, domain.RenderSpec{Prompt: "x"})
	_, err := f.jobs.Finish(context.Background(), job.ID, domain.Outcome{Status: domain.JobStatusCancelled})
	require.NoError(t, err)

	require.NoError(t, f.server.handleRender(context.Background(), task))
	assert.Empty(t, f.jobs.stages)
	assert.Empty(t, f.webhook.events)
}

func TestHandleRenderUnknownJob(t *testing.T) {
	f := newWorkerFixture(t, nil)
	task, err := queue.NewRenderTask(queue.RenderPayload{JobID: id.New(), Spec: domain.RenderSpec{Prompt: "x"}})
	require.NoError(t, err)

	err = f.server.handleRender(context.Background(), task)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleRenderBadPayload(t *testing.T) {
	f := newWorkerFixture(t, nil)
	err := f.server.handleRender(context.Background(), asynq.NewTask(queue.TypeRender, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestOptionsOverlay(t *testing.T) {
	s := &Server{defaults: pipeline.Options{
		Name:            "render",
		TargetWidth:     7680,
		TargetHeight:    4320,
		ResampleQuality: resample.QualityHigh,
		EncodeFormat:    encode.FormatJPEG,
		EncodeQuality:   0.92,
	}}

	opts := s.options(domain.RenderSpec{Prompt: "x"})
	assert.Equal(t, s.defaults, opts)

	opts = s.options(domain.RenderSpec{
		Prompt:          "x",
		Name:            " temple ",
		TargetWidth:     3840,
		TargetHeight:    2160,
		ResampleQuality: "bogus",
		Format:          "png",
		EncodeQuality:   0.5,
	})
	assert.Equal(t, "temple", opts.Name)
	assert.Equal(t, 3840, opts.TargetWidth)
	assert.Equal(t, 2160, opts.TargetHeight)
	assert.Equal(t, resample.Quality("bogus"), opts.ResampleQuality)
	assert.Equal(t, encode.FormatPNG, opts.EncodeFormat)
	assert.InDelta(t, 0.5, opts.EncodeQuality, 1e-9)
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	_, err := newServer(nil, config.WorkerConfig{}, Deps{Producer: producer.Gradient{}})
	assert.Error(t, err)
}
