// Package tonemap implements the fixed cinematic grade applied to base images:
// an exposure boost, an extended Reinhard highlight curve, a warm shift, a mild
// contrast lift around mid-gray and a slightly brighter output gamma.
package tonemap

import (
	"fmt"
	"math"

	"github.com/anthonynsimon/bild/parallel"

	"github.com/dunamismax/cinerender/internal/raster"
)

type Params struct {
	DecodeGamma float64
	Exposure    float64
	WhitePoint  float64
	Warmth      float64
	// GreenWarmthScale tempers the warm shift on green relative to red.
	GreenWarmthScale float64
	Contrast         float64
	// GammaTrim scales the encode gamma; values below 1 brighten midtones.
	GammaTrim float64
}

func DefaultParams() Params {
	return Params{
		DecodeGamma:      2.2,
		Exposure:         1.15,
		WhitePoint:       4.0,
		Warmth:           1.04,
		GreenWarmthScale: 0.995,
		Contrast:         1.06,
		GammaTrim:        0.95,
	}
}

func (p Params) validate() error {
	switch {
	case p.DecodeGamma <= 0:
		return fmt.Errorf("decode gamma must be positive, got %v", p.DecodeGamma)
	case p.WhitePoint <= 0:
		return fmt.Errorf("white point must be positive, got %v", p.WhitePoint)
	case p.GammaTrim <= 0:
		return fmt.Errorf("gamma trim must be positive, got %v", p.GammaTrim)
	case p.Exposure < 0:
		return fmt.Errorf("exposure must not be negative, got %v", p.Exposure)
	}
	return nil
}

// Mapper applies the grade. Each output channel depends only on the matching
// input sample, so the curve is evaluated once per possible sample value.
type Mapper struct {
	lut [3][256]uint8
}

func New(p Params) (*Mapper, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("tonemap params: %w", err)
	}

	m := &Mapper{}
	gains := [3]float64{p.Warmth, p.Warmth * p.GreenWarmthScale, 1}
	for ch, gain := range gains {
		for s := 0; s < 256; s++ {
			m.lut[ch][s] = p.channel(uint8(s), gain)
		}
	}
	return m, nil
}

// Default returns a Mapper with DefaultParams.
func Default() *Mapper {
	m, err := New(DefaultParams())
	if err != nil {
		panic(err)
	}
	return m
}

// Apply returns a graded copy of img. Alpha is copied verbatim.
func (m *Mapper) Apply(img raster.Image) (raster.Image, error) {
	if err := img.Validate(); err != nil {
		return raster.Image{}, err
	}

	out, err := raster.New(img.Width, img.Height)
	if err != nil {
		return raster.Image{}, err
	}

	rowLen := img.Width * raster.Channels
	parallel.Line(img.Height, func(start, end int) {
		src := img.Pix[start*rowLen : end*rowLen]
		dst := out.Pix[start*rowLen : end*rowLen]
		for i := 0; i < len(src); i += raster.Channels {
			dst[i] = m.lut[0][src[i]]
			dst[i+1] = m.lut[1][src[i+1]]
			dst[i+2] = m.lut[2][src[i+2]]
			dst[i+3] = src[i+3]
		}
	})

	return out, nil
}

// Sample grades a single gamma-encoded sample for the given channel index
// (0 red, 1 green, 2 blue).
func (m *Mapper) Sample(channel int, s uint8) uint8 {
	return m.lut[channel][s]
}

func (p Params) channel(s uint8, gain float64) uint8 {
	x := math.Pow(float64(s)/255, p.DecodeGamma)
	x *= p.Exposure
	x = x * (1 + x/(p.WhitePoint*p.WhitePoint)) / (1 + x)
	x *= gain
	x = (x-0.5)*p.Contrast + 0.5
	x = clamp01(x)

	v := math.Round(math.Pow(x, 1/(p.DecodeGamma*p.GammaTrim)) * 255)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
