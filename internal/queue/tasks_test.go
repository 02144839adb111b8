package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/cinerender/internal/domain"
)

func TestRenderTaskRoundTrip(t *testing.T) {
	payload := RenderPayload{
		JobID: "0192f3a0-7c1e-7c6b-9f7e-6b1f3f4e2a10",
		Spec: domain.RenderSpec{
			Prompt:       "stepwell at blue hour",
			TargetWidth:  3840,
			TargetHeight: 2160,
			Format:       "png",
		},
		WebhookURL:  "https://hooks.example.com/r",
		RequestedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	task, err := NewRenderTask(payload)
	require.NoError(t, err)
	assert.Equal(t, TypeRender, task.Type())

	parsed, err := ParseRenderPayload(task)
	require.NoError(t, err)
	assert.Equal(t, payload.JobID, parsed.JobID)
	assert.Equal(t, payload.Spec, parsed.Spec)
	assert.Equal(t, payload.WebhookURL, parsed.WebhookURL)
	assert.True(t, payload.RequestedAt.Equal(parsed.RequestedAt))
}

func TestRenderTaskRequiresJobID(t *testing.T) {
	_, err := NewRenderTask(RenderPayload{})
	assert.Error(t, err)

	_, err = ParseRenderPayload(asynq.NewTask(TypeRender, []byte(`{"spec":{"prompt":"x"}}`)))
	assert.Error(t, err)

	_, err = ParseRenderPayload(asynq.NewTask(TypeRender, []byte(`not json`)))
	assert.Error(t, err)
}

func TestCancelOutcomeString(t *testing.T) {
	assert.Equal(t, "not_found", CancelNotFound.String())
	assert.Equal(t, "dequeued", CancelDequeued.String())
	assert.Equal(t, "signalled", CancelSignalled.String())
}
