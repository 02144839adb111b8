// Package resample scales raster images to a target resolution.
//
// # Memory
//
// The output buffer (width*height*4 bytes) is the dominant allocation and is
// checked against Config.MaxOutputBytes before anything is allocated. The tiled
// engine renders into that single buffer tile by tile and needs no intermediate
// full-size buffers, so peak memory is the output plus, when alpha has to be
// forced opaque, one copy of the source. The imaging engine is whole-frame and
// additionally allocates its own intermediate buffers.
package resample

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/cinerender/internal/raster"
)

var (
	ErrInvalidDimensions = errors.New("target dimensions must be positive")
	ErrOutputTooLarge    = errors.New("resample output exceeds memory bound")
	ErrUnknownQuality    = errors.New("unknown resample quality")
	ErrUnknownEngine     = errors.New("unknown resample engine")
	ErrInternal          = errors.New("resampler fault")
)

type Engine string

const (
	EngineTiled   Engine = "tiled"
	EngineImaging Engine = "imaging"
)

type Config struct {
	Engine Engine
	// OpaqueAlpha treats every source pixel as opaque and writes 255 to every
	// output alpha sample instead of resampling alpha. Base images from the
	// generator are always opaque, so this is the default.
	OpaqueAlpha bool
	// MaxOutputBytes bounds the output allocation. Zero means the default.
	MaxOutputBytes int64
	TileSize       int
	Workers        int
}

const (
	DefaultMaxOutputBytes = 256 << 20
	DefaultTileSize       = 512
)

func DefaultConfig() Config {
	return Config{
		Engine:         EngineTiled,
		OpaqueAlpha:    true,
		MaxOutputBytes: DefaultMaxOutputBytes,
		TileSize:       DefaultTileSize,
		Workers:        runtime.GOMAXPROCS(0),
	}
}

type Resampler struct {
	cfg Config
}

func New(cfg Config) (*Resampler, error) {
	if cfg.Engine == "" {
		cfg.Engine = EngineTiled
	}
	if cfg.Engine != EngineTiled && cfg.Engine != EngineImaging {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = DefaultTileSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &Resampler{cfg: cfg}, nil
}

func (r *Resampler) Config() Config {
	return r.cfg
}

// Resize returns img scaled to width x height. The input is never modified.
func (r *Resampler) Resize(ctx context.Context, img raster.Image, width, height int, q Quality) (raster.Image, error) {
	if err := img.Validate(); err != nil {
		return raster.Image{}, err
	}
	if err := r.checkBounds(width, height); err != nil {
		return raster.Image{}, err
	}
	if err := ctx.Err(); err != nil {
		return raster.Image{}, err
	}

	switch r.cfg.Engine {
	case EngineImaging:
		return r.resizeImaging(ctx, img, width, height, q)
	default:
		return r.resizeTiled(ctx, img, width, height, q)
	}
}

func (r *Resampler) checkBounds(width, height int) error {
	return CheckBounds(width, height, r.cfg.MaxOutputBytes)
}

// CheckBounds rejects non-positive targets and targets whose RGBA buffer would
// exceed limit bytes.
func CheckBounds(width, height int, limit int64) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: got %dx%d", ErrInvalidDimensions, width, height)
	}
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	if int64(width) > limit/raster.Channels/int64(height) {
		return fmt.Errorf("%w: %dx%d needs more than %d bytes", ErrOutputTooLarge, width, height, limit)
	}
	return nil
}

func (r *Resampler) resizeTiled(ctx context.Context, img raster.Image, width, height int, q Quality) (raster.Image, error) {
	interp, err := interpolator(q)
	if err != nil {
		return raster.Image{}, err
	}

	src, err := r.source(img)
	if err != nil {
		return raster.Image{}, err
	}

	out, err := raster.New(width, height)
	if err != nil {
		return raster.Image{}, err
	}
	dst := out.RGBA()

	s2d := f64.Aff3{
		float64(width) / float64(img.Width), 0, 0,
		0, float64(height) / float64(img.Height), 0,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	tile := r.cfg.TileSize
submit:
	for ty := 0; ty < height; ty += tile {
		for tx := 0; tx < width; tx += tile {
			if gctx.Err() != nil {
				break submit
			}
			rect := image.Rect(tx, ty, min(tx+tile, width), min(ty+tile, height))
			g.Go(func() (err error) {
				if err := gctx.Err(); err != nil {
					return err
				}
				defer func() {
					if p := recover(); p != nil {
						err = fmt.Errorf("%w: tile %v: %v", ErrInternal, rect, p)
					}
				}()
				interp.Transform(dst.SubImage(rect).(*image.RGBA), s2d, src, src.Bounds(), draw.Src, nil)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return raster.Image{}, err
	}
	if err := ctx.Err(); err != nil {
		return raster.Image{}, err
	}

	if r.cfg.OpaqueAlpha {
		forceOpaque(out)
	} else {
		unpremultiply(out)
	}
	return out, nil
}

func (r *Resampler) resizeImaging(ctx context.Context, img raster.Image, width, height int, q Quality) (out raster.Image, err error) {
	filter, err := imagingFilter(q)
	if err != nil {
		return raster.Image{}, err
	}

	src, err := r.source(img)
	if err != nil {
		return raster.Image{}, err
	}

	defer func() {
		if p := recover(); p != nil {
			out = raster.Image{}
			err = fmt.Errorf("%w: %v", ErrInternal, p)
		}
	}()

	resized := imaging.Resize(src, width, height, filter)
	if err := ctx.Err(); err != nil {
		return raster.Image{}, err
	}

	out = raster.Image{Width: width, Height: height, Pix: resized.Pix}
	if err := out.Validate(); err != nil {
		return raster.Image{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if r.cfg.OpaqueAlpha {
		forceOpaque(out)
	}
	return out, nil
}

// source builds a read-only image.Image over img. With OpaqueAlpha, pixels
// that are not already opaque are copied with alpha forced to 255.
func (r *Resampler) source(img raster.Image) (image.Image, error) {
	if !r.cfg.OpaqueAlpha {
		return img.NRGBA(), nil
	}
	if img.IsOpaque() {
		return img.RGBA(), nil
	}

	opaque, err := raster.New(img.Width, img.Height)
	if err != nil {
		return nil, err
	}
	copy(opaque.Pix, img.Pix)
	forceOpaque(opaque)
	return opaque.RGBA(), nil
}

func forceOpaque(img raster.Image) {
	for i := 3; i < len(img.Pix); i += raster.Channels {
		img.Pix[i] = 0xff
	}
}

func unpremultiply(img raster.Image) {
	pix := img.Pix
	for i := 0; i < len(pix); i += raster.Channels {
		a := uint32(pix[i+3])
		switch a {
		case 0xff:
			continue
		case 0:
			pix[i], pix[i+1], pix[i+2] = 0, 0, 0
			continue
		}
		for c := 0; c < 3; c++ {
			v := (uint32(pix[i+c])*0xff + a/2) / a
			if v > 0xff {
				v = 0xff
			}
			pix[i+c] = uint8(v)
		}
	}
}
