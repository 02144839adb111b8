package raster

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Normalize converts whatever a base-image producer returned into an owned,
// validated Image. Candidates are tried in a fixed order: Image values,
// *image.NRGBA, any other image.Image, encoded bytes and finally an io.Reader
// of encoded bytes. Anything else is ErrInvalidImage.
func Normalize(out any) (Image, error) {
	switch src := out.(type) {
	case nil:
		return Image{}, fmt.Errorf("%w: producer returned no output", ErrInvalidImage)
	case Image:
		if err := src.Validate(); err != nil {
			return Image{}, err
		}
		return src.Clone(), nil
	case *Image:
		if src == nil {
			return Image{}, fmt.Errorf("%w: producer returned a nil image", ErrInvalidImage)
		}
		return Normalize(*src)
	case *image.NRGBA:
		if src == nil {
			return Image{}, fmt.Errorf("%w: producer returned a nil image", ErrInvalidImage)
		}
		return FromImage(src)
	case image.Image:
		return FromImage(src)
	case []byte:
		return Decode(bytes.NewReader(src))
	case io.Reader:
		return Decode(src)
	default:
		return Image{}, fmt.Errorf("%w: unsupported producer output %T", ErrInvalidImage, out)
	}
}

// MaxSourceDimension bounds the width and height of encoded source images.
// Headers are checked before any pixels are decoded.
const MaxSourceDimension = 4096

// Decode reads an encoded PNG, JPEG, GIF or WebP image no larger than
// MaxSourceDimension on either side.
func Decode(r io.Reader) (Image, error) {
	var header bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
	if err != nil {
		return Image{}, fmt.Errorf("%w: decode source header: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxSourceDimension || cfg.Height > MaxSourceDimension {
		return Image{}, fmt.Errorf("%w: source image is %dx%d, limit is %dx%d",
			ErrInvalidImage, cfg.Width, cfg.Height, MaxSourceDimension, MaxSourceDimension)
	}

	src, _, err := image.Decode(io.MultiReader(&header, r))
	if err != nil {
		return Image{}, fmt.Errorf("%w: decode source image: %v", ErrInvalidImage, err)
	}
	return FromImage(src)
}

// FromImage copies src into a new Image with straight alpha.
func FromImage(src image.Image) (Image, error) {
	b := src.Bounds()
	dst, err := New(b.Dx(), b.Dy())
	if err != nil {
		return Image{}, err
	}

	if nrgba, ok := src.(*image.NRGBA); ok {
		rowLen := b.Dx() * Channels
		for y := 0; y < b.Dy(); y++ {
			start := nrgba.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*rowLen:(y+1)*rowLen], nrgba.Pix[start:start+rowLen])
		}
		return dst, nil
	}

	draw.Draw(dst.NRGBA(), image.Rect(0, 0, b.Dx(), b.Dy()), src, b.Min, draw.Src)
	return dst, nil
}
