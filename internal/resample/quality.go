package resample

import (
	"fmt"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

type Quality string

const (
	QualityNearest Quality = "nearest"
	QualityLow     Quality = "low"
	QualityMedium  Quality = "medium"
	QualityHigh    Quality = "high"

	DefaultQuality = QualityHigh
)

// ParseQuality accepts tier names, a few filter aliases and the numeric tiers
// 0-3 used by browser-side resizers.
func ParseQuality(in string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "":
		return DefaultQuality, nil
	case "nearest", "box", "0":
		return QualityNearest, nil
	case "low", "bilinear", "linear", "1":
		return QualityLow, nil
	case "medium", "catmullrom", "bicubic", "2":
		return QualityMedium, nil
	case "high", "lanczos", "lanczos3", "3":
		return QualityHigh, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownQuality, in)
	}
}

// Lanczos3 is a windowed-sinc kernel with three lobes.
var Lanczos3 = &draw.Kernel{Support: 3, At: lanczos3}

func lanczos3(t float64) float64 {
	if t < 0 {
		t = -t
	}
	if t == 0 {
		return 1
	}
	if t >= 3 {
		return 0
	}
	pt := math.Pi * t
	return 3 * math.Sin(pt) * math.Sin(pt/3) / (pt * pt)
}

func interpolator(q Quality) (draw.Interpolator, error) {
	switch q {
	case QualityNearest:
		return draw.NearestNeighbor, nil
	case QualityLow:
		return draw.BiLinear, nil
	case QualityMedium:
		return draw.CatmullRom, nil
	case QualityHigh, "":
		return Lanczos3, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuality, q)
	}
}

func imagingFilter(q Quality) (imaging.ResampleFilter, error) {
	switch q {
	case QualityNearest:
		return imaging.NearestNeighbor, nil
	case QualityLow:
		return imaging.Linear, nil
	case QualityMedium:
		return imaging.CatmullRom, nil
	case QualityHigh, "":
		return imaging.Lanczos, nil
	default:
		return imaging.ResampleFilter{}, fmt.Errorf("%w: %q", ErrUnknownQuality, q)
	}
}
