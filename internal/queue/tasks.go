package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/cinerender/internal/domain"
)

const TypeRender = "render:run"

type RenderPayload struct {
	JobID       string            `json:"job_id"`
	Spec        domain.RenderSpec `json:"spec"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
}

func NewRenderTask(payload RenderPayload) (*asynq.Task, error) {
	if payload.JobID == "" {
		return nil, fmt.Errorf("render payload requires job_id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal render payload: %w", err)
	}
	return asynq.NewTask(TypeRender, body), nil
}

func ParseRenderPayload(task *asynq.Task) (RenderPayload, error) {
	var payload RenderPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RenderPayload{}, fmt.Errorf("unmarshal render payload: %w", err)
	}
	if payload.JobID == "" {
		return RenderPayload{}, fmt.Errorf("render payload is missing job_id")
	}
	return payload, nil
}
