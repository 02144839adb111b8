package raster

import (
	colorful "github.com/lucasb-eyer/go-colorful"
)

// Swatch averages the image in linear light and returns the result as an sRGB
// color. It is used as a placeholder color while the full artifact loads.
func Swatch(img Image) colorful.Color {
	n := img.Width * img.Height
	if n == 0 || len(img.Pix) < n*Channels {
		return colorful.Color{}
	}

	var r, g, b float64
	for i := 0; i < n*Channels; i += Channels {
		c := colorful.Color{
			R: float64(img.Pix[i]) / 255,
			G: float64(img.Pix[i+1]) / 255,
			B: float64(img.Pix[i+2]) / 255,
		}
		lr, lg, lb := c.LinearRgb()
		r += lr
		g += lg
		b += lb
	}

	count := float64(n)
	return colorful.LinearRgb(r/count, g/count, b/count).Clamped()
}
