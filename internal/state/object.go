package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Lllllllleong/servicerequestflow/internal/blob"
	"github.com/Lllllllleong/servicerequestflow/internal/models"
)

// DefaultObjectKey is the well-known location of the checkpoint document.
const DefaultObjectKey = "pipeline_state/last_run_timestamp.json"

// ObjectStore keeps the checkpoint as a JSON document in a bucket.
type ObjectStore struct {
	bucket blob.Bucket
	key    string
	now    func() time.Time
}

func NewObjectStore(bucket blob.Bucket, key string) *ObjectStore {
	if key == "" {
		key = DefaultObjectKey
	}
	return &ObjectStore{bucket: bucket, key: key, now: time.Now}
}

func (s *ObjectStore) Read(ctx context.Context) (*models.IngestionState, error) {
	data, err := s.bucket.Get(ctx, s.key)
	if errors.Is(err, blob.ErrObjectNotFound) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s/%s: %w", s.bucket.Name(), s.key, err)
	}

	var st models.IngestionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state %s/%s: %w", s.bucket.Name(), s.key, err)
	}
	if st.LastRunTimestamp == "" {
		return nil, ErrNoState
	}
	return &st, nil
}

func (s *ObjectStore) Write(ctx context.Context, timestamp string) error {
	body, err := json.Marshal(models.IngestionState{
		LastRunTimestamp: timestamp,
		UpdatedAt:        s.now().UTC().Format(models.TimestampLayout),
	})
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.bucket.Put(ctx, s.key, body, blob.ContentTypeJSON); err != nil {
		return fmt.Errorf("write state %s/%s: %w", s.bucket.Name(), s.key, err)
	}
	return nil
}
