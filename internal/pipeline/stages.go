package pipeline

import (
	"context"
	"errors"

	"github.com/dunamismax/cinerender/internal/encode"
	"github.com/dunamismax/cinerender/internal/raster"
	"github.com/dunamismax/cinerender/internal/resample"
	"github.com/dunamismax/cinerender/internal/tonemap"
)

// GenerateRequest is what the controller asks of a base-image producer.
type GenerateRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	GuidanceScale  float64
	InferenceSteps int
}

// Producer yields the small base image. The returned value goes through
// raster.Normalize, so it may be a raster.Image, an image.Image, encoded bytes
// or a reader.
type Producer interface {
	Generate(ctx context.Context, req GenerateRequest) (any, error)
}

// Loader is implemented by producers that need preparation before their first
// Generate call.
type Loader interface {
	Load(ctx context.Context) error
}

// Named is implemented by producers that want their backend named in status
// text.
type Named interface {
	Name() string
}

type ToneMapper interface {
	Apply(img raster.Image) (raster.Image, error)
}

type Resizer interface {
	Resize(ctx context.Context, img raster.Image, width, height int, q resample.Quality) (raster.Image, error)
}

type Encoder interface {
	Encode(img raster.Image, format encode.Format, quality float64) (encode.Artifact, error)
}

// Stages bundles the post-processing steps run after the base image exists.
type Stages struct {
	ToneMapper ToneMapper
	Resizer    Resizer
	Encoder    Encoder
}

func (s Stages) validate() error {
	if s.ToneMapper == nil || s.Resizer == nil || s.Encoder == nil {
		return errors.New("tone mapper, resizer and encoder are required")
	}
	return nil
}

type StageConfig struct {
	Tonemap  tonemap.Params
	Resample resample.Config
}

func DefaultStageConfig() StageConfig {
	return StageConfig{
		Tonemap:  tonemap.DefaultParams(),
		Resample: resample.DefaultConfig(),
	}
}

// NewDefaultStages builds the stages for the current build. With the govips
// tag, resizing and encoding go through libvips.
func NewDefaultStages(cfg StageConfig) (Stages, error) {
	return newStages(cfg)
}

func newPureStages(cfg StageConfig) (Stages, error) {
	mapper, err := tonemap.New(cfg.Tonemap)
	if err != nil {
		return Stages{}, err
	}
	resizer, err := resample.New(cfg.Resample)
	if err != nil {
		return Stages{}, err
	}
	return Stages{
		ToneMapper: mapper,
		Resizer:    resizer,
		Encoder:    encode.Encoder{},
	}, nil
}

func producerName(p Producer) string {
	if named, ok := p.(Named); ok {
		if name := named.Name(); name != "" {
			return name
		}
	}
	return "custom"
}
