package blob

import (
	"context"
	"time"
)

// TimeoutBucket bounds every Put and Get of the wrapped bucket, independent of
// the deadline carried by the caller's context.
type TimeoutBucket struct {
	Bucket
	timeout time.Duration
}

// WithTimeout wraps b so that no single call outlives d. A non-positive d
// returns b unchanged.
func WithTimeout(b Bucket, d time.Duration) Bucket {
	if d <= 0 {
		return b
	}
	return &TimeoutBucket{Bucket: b, timeout: d}
}

func (b *TimeoutBucket) Put(ctx context.Context, key string, body []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Bucket.Put(ctx, key, body, contentType)
}

func (b *TimeoutBucket) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Bucket.Get(ctx, key)
}
