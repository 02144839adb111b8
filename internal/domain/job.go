package domain

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dunamismax/cinerender/internal/encode"
	"github.com/dunamismax/cinerender/internal/resample"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"

	MaxTargetDimension = 16384
)

// RenderSpec is the user-controllable part of a render. Zero values mean the
// pipeline default.
type RenderSpec struct {
	Prompt          string  `json:"prompt" validate:"required,max=2000"`
	NegativePrompt  string  `json:"negative_prompt,omitempty" validate:"max=2000"`
	Name            string  `json:"name,omitempty" validate:"max=128"`
	TargetWidth     int     `json:"target_width,omitempty" validate:"gte=0,lte=16384"`
	TargetHeight    int     `json:"target_height,omitempty" validate:"gte=0,lte=16384"`
	ResampleQuality string  `json:"resample_quality,omitempty"`
	Format          string  `json:"format,omitempty"`
	EncodeQuality   float64 `json:"encode_quality,omitempty" validate:"gte=0,lte=1"`
}

type CreateRenderRequest struct {
	RenderSpec
	WebhookURL string `json:"webhook_url,omitempty" validate:"omitempty,url"`
	UserID     string `json:"-"`
}

// Job is the persisted state of one render request.
type Job struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Stage      string     `json:"stage"`
	StatusText string     `json:"status_text"`
	Spec       RenderSpec `json:"spec"`
	WebhookURL string     `json:"-"`
	UserID     string     `json:"-"`
	Artifact   *Artifact  `json:"artifact,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Artifact struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Bytes       int    `json:"bytes"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Swatch      string `json:"swatch,omitempty"`
}

// Progress is one stage transition reported by a worker.
type Progress struct {
	Stage      string
	StatusText string
}

// Outcome is the terminal state of a job.
type Outcome struct {
	Status    string
	Artifact  *Artifact
	ErrorKind string
	Error     string
}

func (j Job) Terminal() bool {
	return IsTerminalStatus(j.Status)
}

func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (r CreateRenderRequest) Validate() error {
	r.Prompt = strings.TrimSpace(r.Prompt)
	if err := validate.Struct(r); err != nil {
		return describeValidation(err)
	}
	if (r.TargetWidth == 0) != (r.TargetHeight == 0) {
		return fmt.Errorf("target_width and target_height must be set together")
	}
	if _, err := resample.ParseQuality(r.ResampleQuality); err != nil {
		return fmt.Errorf("resample_quality: %w", err)
	}
	if _, err := encode.ParseFormat(r.Format); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	return nil
}

func describeValidation(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "url":
		return fmt.Errorf("%s must be an absolute url", field)
	default:
		return fmt.Errorf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	}
}
