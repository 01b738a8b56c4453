package state

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Lllllllleong/servicerequestflow/internal/blob"
	"github.com/Lllllllleong/servicerequestflow/internal/models"
)

type failingBucket struct{ err error }

func (b failingBucket) Name() string { return "broken" }
func (b failingBucket) Put(context.Context, string, []byte, string) error {
	return b.err
}
func (b failingBucket) Get(context.Context, string) ([]byte, error) {
	return nil, b.err
}

func TestObjectStore_ReadMissingIsNoState(t *testing.T) {
	s := NewObjectStore(blob.NewMemoryBucket("state"), "")
	_, err := s.Read(context.Background())
	if !errors.Is(err, ErrNoState) {
		t.Fatalf("err = %v, want ErrNoState", err)
	}
}

func TestObjectStore_WriteThenRead(t *testing.T) {
	bucket := blob.NewMemoryBucket("state")
	s := NewObjectStore(bucket, "")
	s.now = func() time.Time { return time.Date(2025, 2, 1, 6, 0, 0, 0, time.UTC) }

	if err := s.Write(context.Background(), "2025-01-15T10:00:00"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	st, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if st.LastRunTimestamp != "2025-01-15T10:00:00" {
		t.Errorf("LastRunTimestamp = %q", st.LastRunTimestamp)
	}
	if st.UpdatedAt != "2025-02-01T06:00:00" {
		t.Errorf("UpdatedAt = %q", st.UpdatedAt)
	}

	raw, err := bucket.Get(context.Background(), DefaultObjectKey)
	if err != nil {
		t.Fatalf("state object missing at %s: %v", DefaultObjectKey, err)
	}
	var doc map[string]string
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("state object is not JSON: %v", err)
	}
	if doc["last_run_timestamp"] != "2025-01-15T10:00:00" || doc["updated_at"] == "" {
		t.Errorf("unexpected state document: %s", raw)
	}
	if got := bucket.ContentType(DefaultObjectKey); got != blob.ContentTypeJSON {
		t.Errorf("content type = %q", got)
	}
}

func TestObjectStore_LastWriteWins(t *testing.T) {
	s := NewObjectStore(blob.NewMemoryBucket("state"), "custom/key.json")
	ctx := context.Background()
	for _, ts := range []string{"2025-01-01T00:00:00", "2025-01-02T00:00:00"} {
		if err := s.Write(ctx, ts); err != nil {
			t.Fatalf("Write(%s) failed: %v", ts, err)
		}
	}
	st, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if st.LastRunTimestamp != "2025-01-02T00:00:00" {
		t.Errorf("LastRunTimestamp = %q, want the second write", st.LastRunTimestamp)
	}
}

func TestObjectStore_EmptyTimestampIsNoState(t *testing.T) {
	bucket := blob.NewMemoryBucket("state")
	body, _ := json.Marshal(models.IngestionState{UpdatedAt: "2025-01-01T00:00:00"})
	_ = bucket.Put(context.Background(), DefaultObjectKey, body, blob.ContentTypeJSON)

	_, err := NewObjectStore(bucket, "").Read(context.Background())
	if !errors.Is(err, ErrNoState) {
		t.Fatalf("err = %v, want ErrNoState", err)
	}
}

func TestObjectStore_CorruptDocumentIsError(t *testing.T) {
	bucket := blob.NewMemoryBucket("state")
	_ = bucket.Put(context.Background(), DefaultObjectKey, []byte("{not json"), blob.ContentTypeJSON)

	_, err := NewObjectStore(bucket, "").Read(context.Background())
	if err == nil || errors.Is(err, ErrNoState) {
		t.Fatalf("err = %v, want a decode error", err)
	}
}

func TestObjectStore_StorageFailuresAreNotNoState(t *testing.T) {
	boom := errors.New("storage unavailable")
	s := NewObjectStore(failingBucket{err: boom}, "")

	_, err := s.Read(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Read err = %v, want wrapped %v", err, boom)
	}
	if errors.Is(err, ErrNoState) {
		t.Error("transient failure must not be reported as ErrNoState")
	}
	if err := s.Write(context.Background(), "2025-01-01T00:00:00"); !errors.Is(err, boom) {
		t.Errorf("Write err = %v, want wrapped %v", err, boom)
	}
}
