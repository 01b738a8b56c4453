// Package blob abstracts the object storage that holds raw archives, Parquet
// partitions and the ingestion checkpoint.
package blob

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("blob: object not found")

const (
	ContentTypeJSON    = "application/json"
	ContentTypeParquet = "application/octet-stream"
)

// Bucket is a flat key/value object store. Put replaces any existing object.
type Bucket interface {
	Name() string
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}
