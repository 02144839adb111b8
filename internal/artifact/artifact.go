// Package artifact persists encoded renders.
package artifact

import (
	"context"
	"errors"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/cinerender/internal/encode"
)

const KeyPrefix = "renders"

var ErrNotFound = errors.New("artifact not found")

// Stored describes where an artifact was written.
type Stored struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Bytes       int    `json:"bytes"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Swatch      string `json:"swatch,omitempty"`
}

type Sink interface {
	Save(ctx context.Context, jobID string, a encode.Artifact) (Stored, error)
}

// Source reads artifacts back, for download routes.
type Source interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Linker hands out direct download links for stored artifacts.
type Linker interface {
	URL(ctx context.Context, key, filename string, expiry time.Duration) (string, error)
}

// Key returns renders/<job-id>/<filename>, with both parts reduced to safe
// path tokens.
func Key(jobID, filename string) string {
	return path.Join(KeyPrefix, sanitizeToken(jobID, "job"), sanitizeToken(filename, "render.bin"))
}

func describe(key string, a encode.Artifact) Stored {
	return Stored{
		Key:         key,
		Filename:    path.Base(key),
		ContentType: a.ContentType,
		Bytes:       len(a.Data),
		Width:       a.Width,
		Height:      a.Height,
		Swatch:      a.Swatch,
	}
}

func metadata(a encode.Artifact) map[string]string {
	meta := map[string]string{
		"width":  strconv.Itoa(a.Width),
		"height": strconv.Itoa(a.Height),
	}
	if a.Swatch != "" {
		meta["swatch"] = a.Swatch
	}
	return meta
}

func sanitizeToken(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return fallback
	}
	return out
}
