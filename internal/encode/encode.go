// Package encode turns graded, resampled rasters into downloadable artifacts.
package encode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"strings"

	"github.com/dunamismax/cinerender/internal/raster"
)

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"

	DefaultFormat  = FormatJPEG
	DefaultQuality = 0.92
)

var (
	ErrQualityOutOfRange = errors.New("encode quality must be in (0, 1]")
	ErrUnsupportedFormat = errors.New("unsupported output format")
)

type Artifact struct {
	Data        []byte
	Format      Format
	ContentType string
	Width       int
	Height      int
	Filename    string
	// Swatch is a hex color that approximates the whole image.
	Swatch string
}

// Encoder is the pure-Go encoder. It supports JPEG and PNG.
type Encoder struct{}

func ParseFormat(in string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "":
		return DefaultFormat, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, in)
	}
}

// CheckQuality reports whether q is a usable lossy quality.
func CheckQuality(q float64) error {
	if math.IsNaN(q) || q <= 0 || q > 1 {
		return fmt.Errorf("%w: got %v", ErrQualityOutOfRange, q)
	}
	return nil
}

// JPEGQuality maps a (0, 1] quality onto the 1-100 scale used by codecs.
func JPEGQuality(q float64) int {
	v := int(math.Round(q * 100))
	if v < 1 {
		return 1
	}
	if v > 100 {
		return 100
	}
	return v
}

// Encode writes img in the given format. JPEG has no alpha channel, so alpha
// is dropped and every pixel is written as opaque.
func (Encoder) Encode(img raster.Image, format Format, quality float64) (Artifact, error) {
	if err := img.Validate(); err != nil {
		return Artifact{}, err
	}
	if err := CheckQuality(quality); err != nil {
		return Artifact{}, err
	}

	var buf bytes.Buffer
	switch format {
	case FormatJPEG:
		src, err := opaqueView(img)
		if err != nil {
			return Artifact{}, err
		}
		if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: JPEGQuality(quality)}); err != nil {
			return Artifact{}, fmt.Errorf("encode jpeg: %w", err)
		}
	case FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img.NRGBA()); err != nil {
			return Artifact{}, fmt.Errorf("encode png: %w", err)
		}
	case FormatWebP:
		return Artifact{}, fmt.Errorf("%w: webp export requires govips build tag", ErrUnsupportedFormat)
	default:
		return Artifact{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return NewArtifact(buf.Bytes(), format, img.Width, img.Height), nil
}

func NewArtifact(data []byte, format Format, width, height int) Artifact {
	return Artifact{
		Data:        data,
		Format:      format,
		ContentType: ContentType(format),
		Width:       width,
		Height:      height,
	}
}

func opaqueView(img raster.Image) (image.Image, error) {
	if img.IsOpaque() {
		return img.RGBA(), nil
	}
	flat, err := raster.New(img.Width, img.Height)
	if err != nil {
		return nil, err
	}
	copy(flat.Pix, img.Pix)
	for i := 3; i < len(flat.Pix); i += raster.Channels {
		flat.Pix[i] = 0xff
	}
	return flat.RGBA(), nil
}

func ContentType(format Format) string {
	switch format {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

func Extension(format Format) string {
	switch format {
	case FormatJPEG:
		return "jpg"
	case FormatWebP:
		return "webp"
	default:
		return "png"
	}
}
