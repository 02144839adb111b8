package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies why a run failed.
type Kind string

const (
	KindSourceGenerationFailed Kind = "source_generation_failed"
	KindInvalidSourceImage     Kind = "invalid_source_image"
	KindToneMappingFailed      Kind = "tone_mapping_failed"
	KindResamplingFailed       Kind = "resampling_failed"
	KindEncodingFailed         Kind = "encoding_failed"
)

var (
	ErrInvalidOptions = errors.New("invalid render options")
	ErrNoProducer     = errors.New("base-image producer is required")
)

// Error is the failure attached to a run that ended in StageFailed.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries a pipeline Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == kind
}

func stageError(stage Stage, kind Kind, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}
