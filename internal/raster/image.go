// Package raster defines the pixel buffer exchanged between pipeline stages.
//
// An Image holds gamma-encoded sRGB samples with straight (non-premultiplied)
// alpha, four interleaved 8-bit channels per pixel, row-major from the top-left
// corner. Stages treat their input as read-only and always return a freshly
// allocated Image.
package raster

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// Channels is the number of interleaved samples per pixel (R, G, B, A).
const Channels = 4

var (
	ErrInvalidImage = errors.New("invalid raster image")
	ErrAllocation   = errors.New("raster allocation failed")
)

type Image struct {
	Width  int
	Height int
	Pix    []byte
}

// New allocates a zeroed image. Sizes the runtime refuses outright are
// returned as ErrAllocation. New does not bound memory use: callers keep
// requests reasonable through resample.CheckBounds and MaxSourceDimension.
func New(width, height int) (img Image, err error) {
	size, err := bufferLen(width, height)
	if err != nil {
		return Image{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			img = Image{}
			err = fmt.Errorf("%w: %dx%d (%d bytes): %v", ErrAllocation, width, height, size, r)
		}
	}()

	return Image{Width: width, Height: height, Pix: make([]byte, size)}, nil
}

func (img Image) Validate() error {
	want, err := bufferLen(img.Width, img.Height)
	if err != nil {
		return err
	}
	if len(img.Pix) != want {
		return fmt.Errorf("%w: buffer length %d does not match %dx%dx%d=%d", ErrInvalidImage, len(img.Pix), img.Width, img.Height, Channels, want)
	}
	return nil
}

func (img Image) Clone() Image {
	pix := make([]byte, len(img.Pix))
	copy(pix, img.Pix)
	return Image{Width: img.Width, Height: img.Height, Pix: pix}
}

func (img Image) Offset(x, y int) int {
	return (y*img.Width + x) * Channels
}

// IsOpaque reports whether every alpha sample is 255.
func (img Image) IsOpaque() bool {
	for i := 3; i < len(img.Pix); i += Channels {
		if img.Pix[i] != 0xff {
			return false
		}
	}
	return true
}

// NRGBA returns a view sharing the pixel buffer. Callers must not write to it
// unless they own img.
func (img Image) NRGBA() *image.NRGBA {
	return &image.NRGBA{
		Pix:    img.Pix,
		Stride: img.Width * Channels,
		Rect:   image.Rect(0, 0, img.Width, img.Height),
	}
}

// RGBA returns a view sharing the pixel buffer. Straight and premultiplied
// samples only coincide for opaque pixels, so the view is exact only when
// IsOpaque holds.
func (img Image) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    img.Pix,
		Stride: img.Width * Channels,
		Rect:   image.Rect(0, 0, img.Width, img.Height),
	}
}

func bufferLen(width, height int) (int, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("%w: dimensions must be positive, got %dx%d", ErrInvalidImage, width, height)
	}
	if width > math.MaxInt/Channels/height {
		return 0, fmt.Errorf("%w: dimensions %dx%d overflow", ErrInvalidImage, width, height)
	}
	return width * height * Channels, nil
}
