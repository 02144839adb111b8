//go:build govips && cgo

package pipeline

import (
	"runtime"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

// Startup initialises libvips once per process. Renders are one-off frames, so
// the operation cache is kept small.
func Startup() error {
	startupOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{
			ConcurrencyLevel: runtime.GOMAXPROCS(0),
			MaxCacheFiles:    0,
			MaxCacheMem:      64 * 1024 * 1024,
			MaxCacheSize:     16,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func newStages(cfg StageConfig) (Stages, error) {
	stages, err := newPureStages(cfg)
	if err != nil {
		return Stages{}, err
	}
	stages.Resizer = vipsResizer{
		opaque:         cfg.Resample.OpaqueAlpha,
		maxOutputBytes: cfg.Resample.MaxOutputBytes,
	}
	stages.Encoder = vipsEncoder{}
	return stages, nil
}
