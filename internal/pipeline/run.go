package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/cinerender/internal/encode"
)

type Stage string

const (
	StageIdle           Stage = "idle"
	StageLoadingSource  Stage = "loading_source"
	StageGeneratingBase Stage = "generating_base"
	StageToneMapping    Stage = "tone_mapping"
	StageUpscaling      Stage = "upscaling"
	StageEncoding       Stage = "encoding"
	StageDone           Stage = "done"
	StageFailed         Stage = "failed"
	StageCancelled      Stage = "cancelled"
)

func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed || s == StageCancelled
}

// Snapshot is a point-in-time copy of a run's observable state.
type Snapshot struct {
	RunID     string
	Stage     Stage
	Status    string
	Result    *encode.Artifact
	Err       *Error
	StartedAt time.Time
	UpdatedAt time.Time
}

func (s Snapshot) Terminal() bool {
	return s.Stage.Terminal()
}

// Observer receives every transition of every run, in order.
type Observer func(Snapshot)

// Run is one invocation of the pipeline. Once it reaches a terminal stage its
// snapshot never changes again.
type Run struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.RWMutex
	snap Snapshot
}

func newRun(id string, now time.Time, cancel context.CancelFunc) *Run {
	return &Run{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		snap: Snapshot{
			RunID:     id,
			Stage:     StageIdle,
			Status:    "Idle",
			StartedAt: now,
			UpdatedAt: now,
		},
	}
}

func (r *Run) ID() string {
	return r.id
}

func (r *Run) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Cancel requests cooperative cancellation. It is a no-op once the run is
// terminal.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed when the run reaches a terminal stage.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run is terminal or ctx is done.
func (r *Run) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

func (r *Run) transition(stage Stage, status string, now time.Time) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.Stage.Terminal() {
		return r.snap, false
	}
	r.snap.Stage = stage
	r.snap.Status = status
	r.snap.UpdatedAt = now
	return r.snap, true
}

func (r *Run) finish(stage Stage, status string, result *encode.Artifact, failure *Error, now time.Time) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.Stage.Terminal() {
		return r.snap, false
	}
	r.snap.Stage = stage
	r.snap.Status = status
	r.snap.Result = result
	r.snap.Err = failure
	r.snap.UpdatedAt = now
	return r.snap, true
}
