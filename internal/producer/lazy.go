package producer

import (
	"context"
	"errors"
	"sync"

	"github.com/dunamismax/cinerender/internal/pipeline"
)

// Factory constructs an expensive producer.
type Factory func(ctx context.Context) (pipeline.Producer, error)

// Lazy builds its producer on first use and caches it for the life of the
// process. A failed build is not cached, so the next render retries it.
type Lazy struct {
	name    string
	factory Factory

	mu       sync.Mutex
	producer pipeline.Producer
}

func NewLazy(name string, factory Factory) *Lazy {
	return &Lazy{name: name, factory: factory}
}

func (l *Lazy) Name() string {
	return l.name
}

func (l *Lazy) Load(ctx context.Context) error {
	_, err := l.get(ctx)
	return err
}

func (l *Lazy) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.producer != nil
}

func (l *Lazy) Generate(ctx context.Context, req pipeline.GenerateRequest) (any, error) {
	p, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return p.Generate(ctx, req)
}

func (l *Lazy) get(ctx context.Context) (pipeline.Producer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.producer != nil {
		return l.producer, nil
	}
	if l.factory == nil {
		return nil, errors.New("lazy producer has no factory")
	}

	p, err := l.factory(ctx)
	if err != nil {
		return nil, err
	}
	if loader, ok := p.(pipeline.Loader); ok {
		if err := loader.Load(ctx); err != nil {
			return nil, err
		}
	}
	l.producer = p
	return p, nil
}
