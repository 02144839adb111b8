package producer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/cinerender/internal/pipeline"
	"github.com/dunamismax/cinerender/internal/raster"
)

func baseRequest() pipeline.GenerateRequest {
	return pipeline.GenerateRequest{
		Prompt:         "rajasthani haveli at golden hour",
		NegativePrompt: pipeline.DefaultNegativePrompt,
		Width:          64,
		Height:         36,
		InferenceSteps: 2,
	}
}

func encodedPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 7), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHTTPGenerate(t *testing.T) {
	pngBytes := encodedPNG(t, 64, 36)
	var got txt2imgRequest
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, defaultGeneratePath, r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"images": []string{base64.StdEncoding.EncodeToString(pngBytes)},
			"info":   "{}",
		})
	}))
	defer srv.Close()

	p, err := NewHTTP(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "secret"})
	require.NoError(t, err)

	out, err := p.Generate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, pngBytes, out)

	img, err := raster.Normalize(out)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Width)
	assert.Equal(t, 36, img.Height)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "rajasthani haveli at golden hour", got.Prompt)
	assert.Equal(t, pipeline.DefaultNegativePrompt, got.NegativePrompt)
	assert.Equal(t, 64, got.Width)
	assert.Equal(t, 36, got.Height)
	assert.Equal(t, 2, got.Steps)
	assert.Zero(t, got.CFGScale)
	assert.Equal(t, int64(-1), got.Seed)
	assert.Equal(t, 1, got.BatchSize)
}

func TestHTTPGenerateAcceptsDataURL(t *testing.T) {
	pngBytes := encodedPNG(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(txt2imgResponse{
			Images: []string{"data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)},
		})
	}))
	defer srv.Close()

	p, err := NewHTTP(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	out, err := p.Generate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, pngBytes, out)
}

func TestHTTPGenerateErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "out of memory", http.StatusInternalServerError)
			},
		},
		{
			name: "no images",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"images":[]}`))
			},
			wantErr: ErrNoImage,
		},
		{
			name: "bad json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"images":`))
			},
		},
		{
			name: "bad base64",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"images":["***"]}`))
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			p, err := NewHTTP(HTTPConfig{BaseURL: srv.URL})
			require.NoError(t, err)
			_, err = p.Generate(context.Background(), baseRequest())
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestHTTPLoadProbesServer(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, defaultProbePath, r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p, err := NewHTTP(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	require.Error(t, p.Load(context.Background()))

	status.Store(http.StatusOK)
	require.NoError(t, p.Load(context.Background()))
}

func TestNewHTTPRejectsMissingBaseURL(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{})
	assert.Error(t, err)
	_, err = NewHTTP(HTTPConfig{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestGradientIsDeterministic(t *testing.T) {
	req := baseRequest()
	a, err := Gradient{}.Generate(context.Background(), req)
	require.NoError(t, err)
	b, err := Gradient{}.Generate(context.Background(), req)
	require.NoError(t, err)

	imgA := a.(raster.Image)
	imgB := b.(raster.Image)
	require.NoError(t, imgA.Validate())
	assert.Equal(t, req.Width, imgA.Width)
	assert.Equal(t, req.Height, imgA.Height)
	assert.True(t, imgA.IsOpaque())
	assert.Equal(t, imgA.Pix, imgB.Pix)

	req.Prompt = "snowy mountain monastery"
	c, err := Gradient{}.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, imgA.Pix, c.(raster.Image).Pix)
}

func TestGradientHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Gradient{}.Generate(ctx, baseRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

type countingProducer struct {
	loads atomic.Int32
}

func (p *countingProducer) Load(context.Context) error {
	p.loads.Add(1)
	return nil
}

func (p *countingProducer) Generate(context.Context, pipeline.GenerateRequest) (any, error) {
	return raster.Image{Width: 1, Height: 1, Pix: []byte{1, 2, 3, 255}}, nil
}

func TestLazyBuildsOnceAndRetriesFailures(t *testing.T) {
	inner := &countingProducer{}
	var builds atomic.Int32
	lazy := NewLazy("test", func(context.Context) (pipeline.Producer, error) {
		if builds.Add(1) == 1 {
			return nil, errors.New("warming up")
		}
		return inner, nil
	})

	assert.Equal(t, "test", lazy.Name())
	assert.False(t, lazy.Loaded())
	require.Error(t, lazy.Load(context.Background()))
	assert.False(t, lazy.Loaded())

	require.NoError(t, lazy.Load(context.Background()))
	assert.True(t, lazy.Loaded())

	for i := 0; i < 3; i++ {
		_, err := lazy.Generate(context.Background(), baseRequest())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), builds.Load())
	assert.Equal(t, int32(1), inner.loads.Load())
}

func TestWithTimeout(t *testing.T) {
	slow := NewLazy("slow", func(context.Context) (pipeline.Producer, error) {
		return blockUntilDone{}, nil
	})
	p := WithTimeout(slow, 10*time.Millisecond)

	assert.Equal(t, "slow", p.(pipeline.Named).Name())
	_, err := p.Generate(context.Background(), baseRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Same(t, slow, WithTimeout(slow, 0))
}

type blockUntilDone struct{}

func (blockUntilDone) Generate(ctx context.Context, _ pipeline.GenerateRequest) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestNewByKind(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, Gradient{}, p)

	p, err = New(Config{Kind: "HTTP", HTTP: HTTPConfig{BaseURL: "http://127.0.0.1:7860"}})
	require.NoError(t, err)
	assert.IsType(t, &Lazy{}, p)
	assert.Equal(t, KindHTTP, p.(pipeline.Named).Name())

	_, err = New(Config{Kind: "diffusers-in-process"})
	assert.Error(t, err)
}
