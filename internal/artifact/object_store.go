package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dunamismax/cinerender/internal/encode"
)

// ObjectClient is the subset of storage.Client used for artifacts.
type ObjectClient interface {
	PutObject(ctx context.Context, objectKey string, data []byte, contentType string, meta map[string]string) error
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration, filename string) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	OpenObject(ctx context.Context, objectKey string) (io.ReadCloser, error)
}

type ObjectStore struct {
	client ObjectClient
}

func NewObjectStore(client ObjectClient) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	return &ObjectStore{client: client}, nil
}

func (o *ObjectStore) Save(ctx context.Context, jobID string, a encode.Artifact) (Stored, error) {
	key := Key(jobID, a.Filename)
	if err := o.client.PutObject(ctx, key, a.Data, a.ContentType, metadata(a)); err != nil {
		return Stored{}, err
	}
	return describe(key, a), nil
}

func (o *ObjectStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	exists, err := o.client.ObjectExists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return o.client.OpenObject(ctx, key)
}

func (o *ObjectStore) URL(ctx context.Context, key, filename string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return o.client.PresignedGetURL(ctx, key, expiry, filename)
}
