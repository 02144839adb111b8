package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// CancelOutcome says how a cancel request reached the task.
type CancelOutcome int

const (
	// CancelNotFound: the task is gone or already finished.
	CancelNotFound CancelOutcome = iota
	// CancelDequeued: the task had not started and was deleted.
	CancelDequeued
	// CancelSignalled: the task is running and its worker was told to stop.
	CancelSignalled
)

func (o CancelOutcome) String() string {
	switch o {
	case CancelDequeued:
		return "dequeued"
	case CancelSignalled:
		return "signalled"
	default:
		return "not_found"
	}
}

type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	timeout   time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, taskTimeout time.Duration) *Client {
	if taskTimeout <= 0 {
		taskTimeout = 15 * time.Minute
	}
	return &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		queue:     queueName,
		timeout:   taskTimeout,
	}
}

// EnqueueRender schedules a render. The job ID doubles as the task ID so the
// task can be found again for cancellation.
func (c *Client) EnqueueRender(ctx context.Context, payload RenderPayload) (*asynq.TaskInfo, error) {
	task, err := NewRenderTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(2),
		asynq.Timeout(c.timeout),
		asynq.Retention(24*time.Hour),
	)
}

func (c *Client) CancelRender(_ context.Context, jobID string) (CancelOutcome, error) {
	info, err := c.inspector.GetTaskInfo(c.queue, jobID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return CancelNotFound, nil
	}
	if err != nil {
		return CancelNotFound, fmt.Errorf("inspect task %s: %w", jobID, err)
	}

	switch info.State {
	case asynq.TaskStateActive:
		if err := c.inspector.CancelProcessing(jobID); err != nil {
			return CancelNotFound, fmt.Errorf("cancel active task %s: %w", jobID, err)
		}
		return CancelSignalled, nil
	case asynq.TaskStateCompleted, asynq.TaskStateArchived:
		return CancelNotFound, nil
	default:
		if err := c.inspector.DeleteTask(c.queue, jobID); err != nil {
			return CancelNotFound, fmt.Errorf("delete task %s: %w", jobID, err)
		}
		return CancelDequeued, nil
	}
}

func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}
