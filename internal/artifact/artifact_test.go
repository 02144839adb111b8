package artifact

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/cinerender/internal/encode"
)

func sampleArtifact() encode.Artifact {
	a := encode.NewArtifact([]byte("\xff\xd8fake-jpeg\xff\xd9"), encode.FormatJPEG, 7680, 4320)
	a.Filename = "rajasthani-cinematic-8k.jpg"
	a.Swatch = "#c08a52"
	return a
}

func TestKey(t *testing.T) {
	assert.Equal(t, "renders/job-1/rajasthani-cinematic-8k.jpg", Key("job-1", "rajasthani-cinematic-8k.jpg"))
	assert.Equal(t, "renders/_.._etc/passwd", Key("/../etc", "passwd"))
	assert.Equal(t, "renders/job/render.bin", Key("", ""))
}

func TestLocalSaveAndOpen(t *testing.T) {
	sink, err := NewLocal(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)

	a := sampleArtifact()
	stored, err := sink.Save(context.Background(), "job-42", a)
	require.NoError(t, err)

	assert.Equal(t, "renders/job-42/rajasthani-cinematic-8k.jpg", stored.Key)
	assert.Equal(t, "rajasthani-cinematic-8k.jpg", stored.Filename)
	assert.Equal(t, "image/jpeg", stored.ContentType)
	assert.Equal(t, len(a.Data), stored.Bytes)
	assert.Equal(t, 7680, stored.Width)
	assert.Equal(t, "#c08a52", stored.Swatch)

	onDisk, err := os.ReadFile(sink.Path(stored.Key))
	require.NoError(t, err)
	assert.Equal(t, a.Data, onDisk)

	entries, err := os.ReadDir(filepath.Dir(sink.Path(stored.Key)))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	rc, err := sink.Open(context.Background(), stored.Key)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, a.Data, got)
}

func TestLocalOpenMissing(t *testing.T) {
	sink, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = sink.Open(context.Background(), "renders/nope/none.jpg")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = sink.Open(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
}

type fakeObjects struct {
	objects map[string][]byte
	meta    map[string]map[string]string
	types   map[string]string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		objects: map[string][]byte{},
		meta:    map[string]map[string]string{},
		types:   map[string]string{},
	}
}

func (f *fakeObjects) PutObject(_ context.Context, key string, data []byte, contentType string, meta map[string]string) error {
	f.objects[key] = append([]byte(nil), data...)
	f.meta[key] = meta
	f.types[key] = contentType
	return nil
}

func (f *fakeObjects) PresignedGetURL(_ context.Context, key string, expiry time.Duration, filename string) (string, error) {
	return "https://objects.test/" + key + "?expiry=" + expiry.String() + "&name=" + filename, nil
}

func (f *fakeObjects) ObjectExists(_ context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeObjects) OpenObject(_ context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.objects[key])), nil
}

func TestObjectStoreSave(t *testing.T) {
	objects := newFakeObjects()
	sink, err := NewObjectStore(objects)
	require.NoError(t, err)

	stored, err := sink.Save(context.Background(), "job-7", sampleArtifact())
	require.NoError(t, err)

	key := "renders/job-7/rajasthani-cinematic-8k.jpg"
	assert.Equal(t, key, stored.Key)
	assert.Equal(t, "image/jpeg", objects.types[key])
	assert.Equal(t, map[string]string{"width": "7680", "height": "4320", "swatch": "#c08a52"}, objects.meta[key])

	url, err := sink.URL(context.Background(), key, stored.Filename, 0)
	require.NoError(t, err)
	assert.Contains(t, url, "expiry=15m0s")
	assert.Contains(t, url, "name=rajasthani-cinematic-8k.jpg")

	rc, err := sink.Open(context.Background(), key)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, sampleArtifact().Data, got)

	_, err = sink.Open(context.Background(), "renders/job-7/missing.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewObjectStoreRequiresClient(t *testing.T) {
	_, err := NewObjectStore(nil)
	assert.Error(t, err)
}
