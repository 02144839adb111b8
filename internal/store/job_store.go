package store

import (
	"context"
	"errors"

	"github.com/dunamismax/cinerender/internal/domain"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinished is returned when a terminal job is asked to change.
	ErrJobFinished = errors.New("job already finished")
)

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	UpdateProgress(ctx context.Context, id string, progress domain.Progress) (domain.Job, error)
	Finish(ctx context.Context, id string, outcome domain.Outcome) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}
