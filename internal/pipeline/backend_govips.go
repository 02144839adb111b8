//go:build govips && cgo

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/dunamismax/cinerender/internal/encode"
	"github.com/dunamismax/cinerender/internal/raster"
	"github.com/dunamismax/cinerender/internal/resample"
)

type vipsResizer struct {
	opaque         bool
	maxOutputBytes int64
}

func (r vipsResizer) Resize(ctx context.Context, img raster.Image, width, height int, q resample.Quality) (raster.Image, error) {
	if err := img.Validate(); err != nil {
		return raster.Image{}, err
	}
	if err := resample.CheckBounds(width, height, r.maxOutputBytes); err != nil {
		return raster.Image{}, err
	}
	kernel, err := vipsKernel(q)
	if err != nil {
		return raster.Image{}, err
	}
	if err := ctx.Err(); err != nil {
		return raster.Image{}, err
	}

	ref, err := loadVips(img)
	if err != nil {
		return raster.Image{}, err
	}
	defer ref.Close()

	if r.opaque && ref.HasAlpha() {
		if err := ref.ExtractBand(0, 3); err != nil {
			return raster.Image{}, fmt.Errorf("drop alpha: %w", err)
		}
	}

	// The quarter pixel keeps libvips' rounding from landing one short.
	hscale := (float64(width) + 0.25) / float64(img.Width)
	vscale := (float64(height) + 0.25) / float64(img.Height)
	if err := ref.ResizeWithVScale(hscale, vscale, kernel); err != nil {
		return raster.Image{}, fmt.Errorf("resize image: %w", err)
	}
	if ref.Width() < width || ref.Height() < height {
		return raster.Image{}, fmt.Errorf("%w: libvips produced %dx%d for %dx%d", resample.ErrInternal, ref.Width(), ref.Height(), width, height)
	}
	if ref.Width() != width || ref.Height() != height {
		if err := ref.ExtractArea(0, 0, width, height); err != nil {
			return raster.Image{}, fmt.Errorf("crop to target: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return raster.Image{}, err
	}

	params := vips.NewPngExportParams()
	params.Compression = 0
	data, _, err := ref.ExportPng(params)
	if err != nil {
		return raster.Image{}, fmt.Errorf("export resized image: %w", err)
	}
	return raster.Decode(bytes.NewReader(data))
}

func vipsKernel(q resample.Quality) (vips.Kernel, error) {
	switch q {
	case resample.QualityNearest:
		return vips.KernelNearest, nil
	case resample.QualityLow:
		return vips.KernelLinear, nil
	case resample.QualityMedium:
		return vips.KernelCubic, nil
	case resample.QualityHigh, "":
		return vips.KernelLanczos3, nil
	default:
		return 0, fmt.Errorf("%w: %q", resample.ErrUnknownQuality, q)
	}
}

type vipsEncoder struct{}

func (vipsEncoder) Encode(img raster.Image, format encode.Format, quality float64) (encode.Artifact, error) {
	if err := img.Validate(); err != nil {
		return encode.Artifact{}, err
	}
	if err := encode.CheckQuality(quality); err != nil {
		return encode.Artifact{}, err
	}

	ref, err := loadVips(img)
	if err != nil {
		return encode.Artifact{}, err
	}
	defer ref.Close()

	var data []byte
	switch format {
	case encode.FormatJPEG:
		if ref.HasAlpha() {
			if err := ref.ExtractBand(0, 3); err != nil {
				return encode.Artifact{}, fmt.Errorf("drop alpha: %w", err)
			}
		}
		params := vips.NewJpegExportParams()
		params.Quality = encode.JPEGQuality(quality)
		data, _, err = ref.ExportJpeg(params)
	case encode.FormatPNG:
		data, _, err = ref.ExportPng(vips.NewPngExportParams())
	case encode.FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = encode.JPEGQuality(quality)
		data, _, err = ref.ExportWebp(params)
	default:
		return encode.Artifact{}, fmt.Errorf("%w: %s", encode.ErrUnsupportedFormat, format)
	}
	if err != nil {
		return encode.Artifact{}, fmt.Errorf("encode %s: %w", format, err)
	}
	return encode.NewArtifact(data, format, img.Width, img.Height), nil
}

func loadVips(img raster.Image) (*vips.ImageRef, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(&buf, img.NRGBA()); err != nil {
		return nil, fmt.Errorf("stage raster for libvips: %w", err)
	}
	ref, err := vips.NewImageFromBuffer(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("decode raster in libvips: %w", err)
	}
	return ref, nil
}
