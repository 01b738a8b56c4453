// Package archive writes the unmodified provider payload for audit and replay.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/servicerequestflow/internal/blob"
)

// ObjectKey is the raw archive location for a run date: raw/<YYYY>/<MM>/<DD>/data.json.
func ObjectKey(runDate time.Time) string {
	return fmt.Sprintf("raw/%04d/%02d/%02d/data.json", runDate.Year(), int(runDate.Month()), runDate.Day())
}

// Archiver writes one JSON array per run date. A second run on the same date
// replaces the earlier archive.
type Archiver struct {
	bucket blob.Bucket
}

func NewArchiver(bucket blob.Bucket) *Archiver {
	return &Archiver{bucket: bucket}
}

// Archive stores records exactly as fetched and returns the object key.
func (a *Archiver) Archive(ctx context.Context, records []json.RawMessage, runDate time.Time) (string, error) {
	if records == nil {
		records = []json.RawMessage{}
	}
	body, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("encode raw records: %w", err)
	}

	key := ObjectKey(runDate)
	if err := a.bucket.Put(ctx, key, body, blob.ContentTypeJSON); err != nil {
		return "", fmt.Errorf("save raw archive: %w", err)
	}
	slog.Info("Saved raw data.", "bucket", a.bucket.Name(), "object", key, "records", len(records), "bytes", len(body))
	return key, nil
}
