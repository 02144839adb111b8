package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"github.com/dunamismax/cinerender/internal/encode"
	"github.com/dunamismax/cinerender/internal/resample"
)

// DefaultNegativePrompt steers the base-image producer away from the usual
// artifacts of few-step sampling.
const DefaultNegativePrompt = "lowres, blurry, deformed, text artifacts, watermark, extra limbs, " +
	"disfigured, bad anatomy, bad hands, duplicate, cropped, worst quality, low quality, jpeg artifacts"

// Options configures one run. Zero fields take the defaults in their tags.
type Options struct {
	// Name seeds the suggested artifact filename.
	Name           string  `default:"render" validate:"max=128"`
	NegativePrompt string  `validate:"max=2000"`
	BaseWidth      int     `default:"1024" validate:"gt=0,lte=4096"`
	BaseHeight     int     `default:"576" validate:"gt=0,lte=4096"`
	GuidanceScale  float64 `validate:"gte=0,lte=30"`
	InferenceSteps int     `default:"2" validate:"gt=0,lte=150"`

	TargetWidth     int              `default:"7680" validate:"gt=0"`
	TargetHeight    int              `default:"4320" validate:"gt=0"`
	ResampleQuality resample.Quality `default:"high"`
	EncodeFormat    encode.Format    `default:"jpeg"`
	EncodeQuality   float64          `default:"0.92"`

	ProducerTimeout time.Duration `default:"5m" validate:"gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultOptions returns the options of the stock 8K render.
func DefaultOptions() Options {
	var opts Options
	_ = opts.prepare()
	return opts
}

// prepare fills defaults, canonicalises aliases and rejects structurally
// invalid options. Quality and format values that cannot be parsed are left
// as given so the stage that owns them reports the failure.
func (o *Options) prepare() error {
	if err := defaults.Set(o); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if strings.TrimSpace(o.NegativePrompt) == "" {
		o.NegativePrompt = DefaultNegativePrompt
	}
	if q, err := resample.ParseQuality(string(o.ResampleQuality)); err == nil {
		o.ResampleQuality = q
	}
	if f, err := encode.ParseFormat(string(o.EncodeFormat)); err == nil {
		o.EncodeFormat = f
	}
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

func (o Options) generateRequest(prompt string) GenerateRequest {
	return GenerateRequest{
		Prompt:         prompt,
		NegativePrompt: o.NegativePrompt,
		Width:          o.BaseWidth,
		Height:         o.BaseHeight,
		GuidanceScale:  o.GuidanceScale,
		InferenceSteps: o.InferenceSteps,
	}
}
