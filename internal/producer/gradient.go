package producer

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/dunamismax/cinerender/internal/pipeline"
	"github.com/dunamismax/cinerender/internal/raster"
)

// Gradient paints a dusk sky with a low sun. The palette is derived from the
// prompt, so the same prompt always yields the same image.
type Gradient struct{}

func (Gradient) Name() string {
	return KindGradient
}

func (Gradient) Generate(ctx context.Context, req pipeline.GenerateRequest) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := raster.New(req.Width, req.Height)
	if err != nil {
		return nil, err
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Prompt))
	seed := h.Sum64()

	skyHue := 200 + float64(seed%80)
	horizonHue := 20 + float64((seed>>8)%30)
	sky := colorful.Hcl(skyHue, 0.35, 0.35)
	horizon := colorful.Hcl(horizonHue, 0.6, 0.75)
	sun := colorful.Hcl(horizonHue+25, 0.3, 0.95)

	sunX := 0.2 + 0.6*float64((seed>>16)%1000)/1000
	sunY := 0.55 + 0.2*float64((seed>>32)%1000)/1000
	aspect := float64(req.Width) / float64(req.Height)

	for y := 0; y < img.Height; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		ty := float64(y) / math.Max(1, float64(img.Height-1))
		row := sky.BlendLab(horizon, math.Pow(ty, 1.4))
		for x := 0; x < img.Width; x++ {
			tx := float64(x) / math.Max(1, float64(img.Width-1))
			dx := (tx - sunX) * aspect
			dy := ty - sunY
			glow := math.Exp(-(dx*dx + dy*dy) * 18)
			c := row.BlendLab(sun, glow).Clamped()
			r, g, b := c.RGB255()

			i := img.Offset(x, y)
			img.Pix[i] = r
			img.Pix[i+1] = g
			img.Pix[i+2] = b
			img.Pix[i+3] = 0xff
		}
	}
	return img, nil
}
