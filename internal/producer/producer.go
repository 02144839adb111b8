// Package producer provides base-image producers for the render pipeline.
package producer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/cinerender/internal/pipeline"
)

const (
	KindHTTP     = "http"
	KindGradient = "gradient"
)

type Config struct {
	Kind string
	HTTP HTTPConfig
}

// New builds the producer named by cfg.Kind. HTTP producers are wrapped in a
// Lazy so the backend is probed on the first render rather than at startup.
func New(cfg Config) (pipeline.Producer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindGradient:
		return Gradient{}, nil
	case KindHTTP:
		httpCfg := cfg.HTTP
		return NewLazy(KindHTTP, func(context.Context) (pipeline.Producer, error) {
			return NewHTTP(httpCfg)
		}), nil
	default:
		return nil, fmt.Errorf("unsupported producer kind: %s", cfg.Kind)
	}
}

// WithTimeout bounds every Generate call of p, independently of the
// controller's own producer timeout.
func WithTimeout(p pipeline.Producer, timeout time.Duration) pipeline.Producer {
	if timeout <= 0 {
		return p
	}
	return timeoutProducer{inner: p, timeout: timeout}
}

type timeoutProducer struct {
	inner   pipeline.Producer
	timeout time.Duration
}

func (t timeoutProducer) Name() string {
	if named, ok := t.inner.(pipeline.Named); ok {
		return named.Name()
	}
	return "custom"
}

func (t timeoutProducer) Load(ctx context.Context) error {
	if loader, ok := t.inner.(pipeline.Loader); ok {
		return loader.Load(ctx)
	}
	return nil
}

func (t timeoutProducer) Generate(ctx context.Context, req pipeline.GenerateRequest) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Generate(ctx, req)
}
