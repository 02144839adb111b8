package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/cinerender/internal/artifact"
	"github.com/dunamismax/cinerender/internal/config"
	"github.com/dunamismax/cinerender/internal/encode"
	"github.com/dunamismax/cinerender/internal/producer"
	"github.com/dunamismax/cinerender/internal/resample"
	"github.com/dunamismax/cinerender/internal/store"
)

func TestOpenStoresMemory(t *testing.T) {
	stores, err := OpenStores(context.Background(), config.DatabaseConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, stores.Jobs)
	assert.Same(t, stores.Jobs, stores.Usage)
	assert.NoError(t, stores.Close())
}

func TestOpenArtifactsLocal(t *testing.T) {
	arts, err := OpenArtifacts(context.Background(), "local", t.TempDir(), config.StorageConfig{})
	require.NoError(t, err)
	assert.IsType(t, &artifact.Local{}, arts.Sink)
	assert.Nil(t, arts.Linker)
}

func TestProducerAndStages(t *testing.T) {
	p, err := Producer(config.ProducerConfig{Kind: "gradient"})
	require.NoError(t, err)
	assert.IsType(t, producer.Gradient{}, p)

	_, err = Stages(config.RenderConfig{Engine: "imaging", OpaqueAlpha: true})
	require.NoError(t, err)

	_, err = Stages(config.RenderConfig{Engine: "warp-drive"})
	assert.Error(t, err)
}

func TestRenderDefaults(t *testing.T) {
	opts := RenderDefaults(config.RenderConfig{
		TargetWidth:   3840,
		TargetHeight:  2160,
		Quality:       "medium",
		Format:        "png",
		EncodeQuality: 0.8,
	}, config.ProducerConfig{Timeout: time.Minute})

	assert.Equal(t, 3840, opts.TargetWidth)
	assert.Equal(t, resample.QualityMedium, opts.ResampleQuality)
	assert.Equal(t, encode.FormatPNG, opts.EncodeFormat)
	assert.Equal(t, time.Minute, opts.ProducerTimeout)
}
