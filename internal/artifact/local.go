package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/cinerender/internal/encode"
)

// Local writes artifacts below a directory, using the object key as the
// relative path.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("output directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve output directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &Local{dir: abs}, nil
}

func (l *Local) Dir() string {
	return l.dir
}

// Path maps a key to its file path.
func (l *Local) Path(key string) string {
	return filepath.Join(l.dir, filepath.FromSlash(key))
}

func (l *Local) Save(ctx context.Context, jobID string, a encode.Artifact) (Stored, error) {
	if err := ctx.Err(); err != nil {
		return Stored{}, err
	}
	key := Key(jobID, a.Filename)
	target := l.Path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Stored{}, fmt.Errorf("create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".partial-*")
	if err != nil {
		return Stored{}, fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(a.Data); err != nil {
		tmp.Close()
		return Stored{}, fmt.Errorf("write artifact %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return Stored{}, fmt.Errorf("close artifact %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return Stored{}, fmt.Errorf("publish artifact %s: %w", key, err)
	}
	return describe(key, a), nil
}

func (l *Local) Open(_ context.Context, key string) (io.ReadCloser, error) {
	target := l.Path(key)
	rel, err := filepath.Rel(l.dir, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	f, err := os.Open(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", key, err)
	}
	return f, nil
}
