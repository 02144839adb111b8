package tonemap

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/cinerender/internal/raster"
)

// referencePixel evaluates the grade directly for one pixel.
func referencePixel(r, g, b uint8) [3]uint8 {
	in := [3]float64{float64(r), float64(g), float64(b)}
	gains := [3]float64{1.04, 1.04 * 0.995, 1}
	var out [3]uint8
	for i := range in {
		x := math.Pow(in[i]/255, 2.2)
		x *= 1.15
		x = x * (1 + x/16) / (1 + x)
		x *= gains[i]
		x = (x-0.5)*1.06 + 0.5
		x = math.Min(math.Max(x, 0), 1)
		out[i] = uint8(math.Round(math.Pow(x, 1/(2.2*0.95)) * 255))
	}
	return out
}

func gradientImage(w, h int) raster.Image {
	img := raster.Image{Width: w, Height: h, Pix: make([]byte, w*h*4)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.Offset(x, y)
			img.Pix[off] = uint8((x * 255) / max(1, w-1))
			img.Pix[off+1] = uint8((y * 255) / max(1, h-1))
			img.Pix[off+2] = uint8((x + y) % 256)
			img.Pix[off+3] = uint8(255 - (x % 7))
		}
	}
	return img
}

func TestApplyMatchesReference(t *testing.T) {
	m := Default()
	img := gradientImage(64, 33)

	out, err := m.Apply(img)
	require.NoError(t, err)

	for i := 0; i < len(img.Pix); i += 4 {
		want := referencePixel(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
		require.Equal(t, want[0], out.Pix[i], "red at %d", i)
		require.Equal(t, want[1], out.Pix[i+1], "green at %d", i)
		require.Equal(t, want[2], out.Pix[i+2], "blue at %d", i)
		require.Equal(t, img.Pix[i+3], out.Pix[i+3], "alpha at %d", i)
	}
}

func TestApplyIsDeterministic(t *testing.T) {
	m := Default()
	img := gradientImage(97, 41)

	first, err := m.Apply(img)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Default().Apply(img)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(first.Pix, again.Pix), "run %d differs", i)
	}
}

func TestApplyPreservesDimensionsAndInput(t *testing.T) {
	img := gradientImage(13, 7)
	before := img.Clone()

	out, err := Default().Apply(img)
	require.NoError(t, err)

	assert.Equal(t, img.Width, out.Width)
	assert.Equal(t, img.Height, out.Height)
	assert.Equal(t, before.Pix, img.Pix, "input buffer was modified")
	out.Pix[0] ^= 0xff
	assert.Equal(t, before.Pix, img.Pix, "output aliases input")
}

func TestApplyClampsExtremes(t *testing.T) {
	img := raster.Image{Width: 2, Height: 1, Pix: []byte{0, 0, 0, 255, 255, 255, 255, 255}}

	out, err := Default().Apply(img)
	require.NoError(t, err)

	assert.Equal(t, []byte{0, 0, 0, 255}, out.Pix[:4], "black stays black after contrast pivot")
	white := out.Pix[4:8]
	assert.Equal(t, referencePixel(255, 255, 255), [3]uint8{white[0], white[1], white[2]})
	assert.Greater(t, white[0], white[2], "warm shift lifts red over blue")
	assert.GreaterOrEqual(t, white[0], white[1])
}

func TestApplyIsMonotonicOnGray(t *testing.T) {
	m := Default()
	for ch := 0; ch < 3; ch++ {
		prev := m.Sample(ch, 0)
		for s := 1; s < 256; s++ {
			cur := m.Sample(ch, uint8(s))
			require.GreaterOrEqual(t, cur, prev, "channel %d inverted at sample %d", ch, s)
			prev = cur
		}
	}
}

func TestApplyRejectsInvalidImage(t *testing.T) {
	_, err := Default().Apply(raster.Image{Width: 3, Height: 3, Pix: make([]byte, 4)})
	assert.ErrorIs(t, err, raster.ErrInvalidImage)
}

func TestNewRejectsBadParams(t *testing.T) {
	p := DefaultParams()
	p.WhitePoint = 0
	_, err := New(p)
	assert.Error(t, err)
}

func BenchmarkApplyBase(b *testing.B) {
	img := gradientImage(1024, 576)
	m := Default()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Apply(img); err != nil {
			b.Fatalf("apply: %v", err)
		}
	}
}
