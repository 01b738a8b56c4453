// Package columnar turns raw service-request records into month-partitioned
// Parquet files.
package columnar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Lllllllleong/servicerequestflow/internal/blob"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"
)

// DefaultUploadLimit bounds concurrent partition uploads.
const DefaultUploadLimit = 4

// Partition describes one Parquet object written by a run.
type Partition struct {
	Year    int
	Month   int
	RunDate time.Time
	Key     string
	Rows    int
}

// PartitionKey is the object key for the (year, month) group written on runDate.
// Writing the same key twice on the same day replaces the earlier file.
func PartitionKey(year, month int, runDate time.Time) string {
	return fmt.Sprintf("processed/year=%d/month=%02d/data_%s.parquet", year, month, runDate.Format("2006-01-02"))
}

// Result summarises a Transform call. MaxCreatedDate is nil when no record had
// a usable created_date.
type Result struct {
	Partitions     []Partition
	Rows           int
	Dropped        int
	MaxCreatedDate *time.Time
}

// Keys returns the object keys of the written partitions.
func (r Result) Keys() []string {
	keys := make([]string, len(r.Partitions))
	for i, p := range r.Partitions {
		keys[i] = p.Key
	}
	return keys
}

// Transformer writes partitions to a processed-data bucket.
type Transformer struct {
	bucket      blob.Bucket
	pool        memory.Allocator
	uploadLimit int
}

// NewTransformer creates a Transformer writing to bucket.
func NewTransformer(bucket blob.Bucket) *Transformer {
	return &Transformer{
		bucket:      bucket,
		pool:        memory.NewGoAllocator(),
		uploadLimit: DefaultUploadLimit,
	}
}

type monthKey struct{ year, month int }

// Transform normalizes records, groups them by the year and month of
// created_date and uploads one Parquet file per group. Records without a
// valid created_date are skipped and counted in Result.Dropped.
func (t *Transformer) Transform(ctx context.Context, records []json.RawMessage, runDate time.Time) (Result, error) {
	logCtx := slog.With("bucket", t.bucket.Name(), "runDate", runDate.Format("2006-01-02"))

	tbl := normalize(records)
	res := Result{Dropped: tbl.dropped, Rows: len(tbl.rows)}
	if tbl.dropped > 0 {
		logCtx.Warn("Dropped records with missing or invalid created_date.", "dropped", tbl.dropped)
	}
	if len(tbl.rows) == 0 {
		logCtx.Warn("No valid records to transform.", "input", len(records))
		return res, nil
	}

	groups := make(map[monthKey][][]any)
	var maxCreated time.Time
	for i, row := range tbl.rows {
		created := tbl.created[i]
		if created.After(maxCreated) {
			maxCreated = created
		}
		k := monthKey{created.Year(), int(created.Month())}
		groups[k] = append(groups[k], row)
	}
	res.MaxCreatedDate = &maxCreated

	months := make([]monthKey, 0, len(groups))
	for k := range groups {
		months = append(months, k)
	}
	sort.Slice(months, func(i, j int) bool {
		if months[i].year != months[j].year {
			return months[i].year < months[j].year
		}
		return months[i].month < months[j].month
	})

	schema := arrowSchema(tbl.columns)
	res.Partitions = make([]Partition, len(months))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.uploadLimit)
	for i, k := range months {
		rows := groups[k]
		part := Partition{
			Year:    k.year,
			Month:   k.month,
			RunDate: runDate,
			Key:     PartitionKey(k.year, k.month, runDate),
			Rows:    len(rows),
		}
		res.Partitions[i] = part

		g.Go(func() error {
			body, err := encodeParquet(t.pool, schema, rows)
			if err != nil {
				return fmt.Errorf("encode partition %s: %w", part.Key, err)
			}
			if err := t.bucket.Put(gctx, part.Key, body, blob.ContentTypeParquet); err != nil {
				return fmt.Errorf("upload partition %s: %w", part.Key, err)
			}
			logCtx.Info("Wrote partition.", "object", part.Key, "rows", part.Rows, "bytes", len(body))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logCtx.Error("Failed to write partitions.", "error", err)
		return Result{Dropped: res.Dropped}, err
	}

	logCtx.Info("Transformation completed.", "rows", res.Rows, "partitions", len(res.Partitions), "maxCreatedDate", maxCreated.Format(time.RFC3339))
	return res, nil
}
