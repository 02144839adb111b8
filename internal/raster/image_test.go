package raster

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		img  Image
		ok   bool
	}{
		{name: "valid", img: Image{Width: 2, Height: 1, Pix: make([]byte, 8)}, ok: true},
		{name: "zero width", img: Image{Width: 0, Height: 1}},
		{name: "negative height", img: Image{Width: 1, Height: -3}},
		{name: "short buffer", img: Image{Width: 2, Height: 2, Pix: make([]byte, 15)}},
		{name: "long buffer", img: Image{Width: 1, Height: 1, Pix: make([]byte, 5)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.img.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidImage)
		})
	}
}

func TestNewRejectsOverflow(t *testing.T) {
	_, err := New(1<<40, 1<<40)
	require.ErrorIs(t, err, ErrInvalidImage)
}

func TestCloneDoesNotAlias(t *testing.T) {
	src := Image{Width: 1, Height: 1, Pix: []byte{1, 2, 3, 4}}
	dup := src.Clone()
	dup.Pix[0] = 99

	assert.Equal(t, byte(1), src.Pix[0])
}

func TestIsOpaque(t *testing.T) {
	assert.True(t, Image{Width: 1, Height: 2, Pix: []byte{0, 0, 0, 255, 9, 9, 9, 255}}.IsOpaque())
	assert.False(t, Image{Width: 1, Height: 2, Pix: []byte{0, 0, 0, 255, 9, 9, 9, 128}}.IsOpaque())
}

func TestNormalizePriority(t *testing.T) {
	nrgba := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	nrgba.SetNRGBA(2, 1, color.NRGBA{R: 200, G: 100, B: 50, A: 128})

	rgba := image.NewRGBA(image.Rect(0, 0, 3, 2))
	rgba.SetRGBA(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	var encoded bytes.Buffer
	require.NoError(t, png.Encode(&encoded, nrgba))

	owned := Image{Width: 1, Height: 1, Pix: []byte{5, 6, 7, 255}}

	tests := []struct {
		name  string
		input any
		w, h  int
	}{
		{name: "image value", input: owned, w: 1, h: 1},
		{name: "image pointer", input: &owned, w: 1, h: 1},
		{name: "nrgba", input: nrgba, w: 3, h: 2},
		{name: "rgba", input: rgba, w: 3, h: 2},
		{name: "encoded bytes", input: encoded.Bytes(), w: 3, h: 2},
		{name: "reader", input: bytes.NewReader(encoded.Bytes()), w: 3, h: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Normalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.w, img.Width)
			assert.Equal(t, tt.h, img.Height)
			require.NoError(t, img.Validate())
		})
	}

	t.Run("nrgba samples are straight alpha", func(t *testing.T) {
		img, err := Normalize(nrgba)
		require.NoError(t, err)
		off := img.Offset(2, 1)
		assert.Equal(t, []byte{200, 100, 50, 128}, img.Pix[off:off+4])
	})

	t.Run("owned image is copied", func(t *testing.T) {
		img, err := Normalize(owned)
		require.NoError(t, err)
		img.Pix[0] = 0
		assert.Equal(t, byte(5), owned.Pix[0])
	})
}

func TestNormalizeRejects(t *testing.T) {
	var nilImage *Image
	inputs := map[string]any{
		"nil":            nil,
		"nil pointer":    nilImage,
		"bad length":     Image{Width: 2, Height: 2, Pix: make([]byte, 3)},
		"zero dims":      Image{},
		"garbage bytes":  []byte("not an image"),
		"garbage reader": strings.NewReader("nope"),
		"unsupported":    42,
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(input)
			assert.ErrorIs(t, err, ErrInvalidImage)
		})
	}
}

func TestSwatch(t *testing.T) {
	white := Image{Width: 2, Height: 1, Pix: []byte{255, 255, 255, 255, 255, 255, 255, 255}}
	assert.Equal(t, "#ffffff", Swatch(white).Hex())

	mixed := Image{Width: 2, Height: 1, Pix: []byte{0, 0, 0, 255, 255, 255, 255, 255}}
	r, g, b := Swatch(mixed).RGB255()
	assert.Equal(t, r, g)
	assert.Equal(t, g, b)
	assert.Greater(t, r, uint8(128), "linear-light average of black and white is brighter than mid sample")

	assert.Equal(t, "#000000", Swatch(Image{}).Hex())
}

// pngWithHeaderSize encodes a 1x1 PNG and rewrites its IHDR chunk to claim
// width x height, so the decoder sees a huge image without the test building
// one.
func pngWithHeaderSize(t *testing.T, width, height uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 1, 1))))
	data := buf.Bytes()

	// signature(8) length(4) "IHDR"(4) width(4) height(4) ... crc at 29.
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestDecodeRejectsOversizedSource(t *testing.T) {
	tests := []struct {
		name          string
		width, height uint32
	}{
		{name: "both sides", width: 8000, height: 8000},
		{name: "wide", width: MaxSourceDimension + 1, height: 1},
		{name: "tall", width: 1, height: MaxSourceDimension + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := pngWithHeaderSize(t, tt.width, tt.height)

			_, err := Normalize(data)
			require.ErrorIs(t, err, ErrInvalidImage)
			assert.Contains(t, err.Error(), "limit")

			_, err = Normalize(bytes.NewReader(data))
			assert.ErrorIs(t, err, ErrInvalidImage)
		})
	}
}

func TestDecodeAcceptsSourceAtLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, MaxSourceDimension, 1))))

	img, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MaxSourceDimension, img.Width)
	assert.Equal(t, 1, img.Height)
}
