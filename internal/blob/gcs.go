package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/servicerequestflow/internal/gcp"
	"google.golang.org/api/googleapi"
)

// GCSBucket stores objects in a Google Cloud Storage bucket.
type GCSBucket struct {
	handle *storage.BucketHandle
	name   string
}

func NewGCSBucket(client *storage.Client, name string) *GCSBucket {
	return &GCSBucket{handle: client.Bucket(name), name: name}
}

func (b *GCSBucket) Name() string { return b.name }

func (b *GCSBucket) Put(ctx context.Context, key string, body []byte, contentType string) error {
	return gcp.WriteObject(ctx, b.handle, key, body, contentType)
}

func (b *GCSBucket) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := b.handle.Object(key).NewReader(ctx)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", b.name, key, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", b.name, key, err)
	}
	return data, nil
}

func isGCSNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
