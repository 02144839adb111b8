package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/cinerender/internal/domain"
)

// MemoryStore keeps jobs and usage in process memory. It implements both
// JobStore and UsageStore.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]domain.Job
	usage []domain.UsageLog
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id, status string) (domain.Job, error) {
	return s.mutate(id, func(job *domain.Job) {
		job.Status = status
	})
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id string, progress domain.Progress) (domain.Job, error) {
	return s.mutate(id, func(job *domain.Job) {
		job.Status = domain.JobStatusRunning
		job.Stage = progress.Stage
		job.StatusText = progress.StatusText
	})
}

func (s *MemoryStore) Finish(_ context.Context, id string, outcome domain.Outcome) (domain.Job, error) {
	return s.mutate(id, func(job *domain.Job) {
		finished := s.now()
		job.Status = outcome.Status
		job.Stage = outcome.Status
		job.StatusText = finishedText(outcome)
		job.Artifact = outcome.Artifact
		job.ErrorKind = outcome.ErrorKind
		job.Error = outcome.Error
		job.FinishedAt = &finished
	})
}

func (s *MemoryStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, usage)
	return nil
}

// UsageLogs returns a copy of all recorded usage.
func (s *MemoryStore) UsageLogs() []domain.UsageLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.UsageLog(nil), s.usage...)
}

func (s *MemoryStore) mutate(id string, fn func(job *domain.Job)) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if job.Terminal() {
		return job, ErrJobFinished
	}

	fn(&job)
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return job, nil
}

func finishedText(outcome domain.Outcome) string {
	switch outcome.Status {
	case domain.JobStatusSucceeded:
		return "Done"
	case domain.JobStatusCancelled:
		return "Cancelled"
	default:
		if outcome.Error != "" {
			return "Error: " + outcome.Error
		}
		return "Error"
	}
}
